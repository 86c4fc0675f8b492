// Package github syncs records against GitHub issues.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"elder/api/internal/sync"
	"elder/api/internal/sync/rest"
)

const defaultBaseURL = "https://api.github.com"

type Client struct {
	http    *http.Client
	baseURL string
	repo    string // owner/name
	token   string
}

// New builds a GitHub client. baseURL is empty for github.com; GitHub
// Enterprise installs pass their API root. repo is "owner/name".
func New(baseURL, repo, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    rest.NewHTTPClient(),
		baseURL: baseURL,
		repo:    repo,
		token:   token,
	}
}

func (c *Client) Platform() string { return "github" }

type issue struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Labels  []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignee *struct {
		Login string `json:"login"`
	} `json:"assignee"`
	UpdatedAt   time.Time `json:"updated_at"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

func (c *Client) toRemote(is issue) sync.RemoteRecord {
	labels := make([]string, 0, len(is.Labels))
	for _, l := range is.Labels {
		labels = append(labels, l.Name)
	}
	assignee := ""
	if is.Assignee != nil {
		assignee = is.Assignee.Login
	}
	return sync.RemoteRecord{
		ExternalID: strconv.Itoa(is.Number),
		URL:        is.HTMLURL,
		Fields: sync.Fields{
			Title:    is.Title,
			Body:     is.Body,
			State:    is.State,
			Labels:   labels,
			Assignee: assignee,
		},
		UpdatedAt: is.UpdatedAt,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := rest.JSONRequest(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	return rest.DoJSON(c.http, req, out)
}

func (c *Client) Validate(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/repos/"+c.repo, nil, nil); err != nil {
		return fmt.Errorf("github: repo %s: %w", c.repo, err)
	}
	return nil
}

func (c *Client) ListChanged(ctx context.Context, since time.Time) ([]sync.RemoteRecord, error) {
	var out []sync.RemoteRecord
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("state", "all")
		q.Set("per_page", "100")
		q.Set("page", strconv.Itoa(page))
		if !since.IsZero() {
			q.Set("since", since.UTC().Format(time.RFC3339))
		}
		var issues []issue
		if err := c.do(ctx, http.MethodGet, "/repos/"+c.repo+"/issues?"+q.Encode(), nil, &issues); err != nil {
			return nil, fmt.Errorf("github: list issues: %w", err)
		}
		for _, is := range issues {
			// The issues endpoint also returns pull requests.
			if is.PullRequest != nil {
				continue
			}
			out = append(out, c.toRemote(is))
		}
		if len(issues) < 100 {
			return out, nil
		}
	}
}

func (c *Client) Fetch(ctx context.Context, externalID string) (sync.RemoteRecord, error) {
	var is issue
	err := c.do(ctx, http.MethodGet, "/repos/"+c.repo+"/issues/"+externalID, nil, &is)
	if rest.IsStatus(err, http.StatusNotFound, http.StatusGone) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("github: fetch issue %s: %w", externalID, err)
	}
	return c.toRemote(is), nil
}

type issuePayload struct {
	Title     string   `json:"title,omitempty"`
	Body      string   `json:"body,omitempty"`
	State     string   `json:"state,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

func payloadOf(fields sync.Fields) issuePayload {
	p := issuePayload{
		Title:  fields.Title,
		Body:   fields.Body,
		State:  fields.State,
		Labels: fields.Labels,
	}
	if fields.Assignee != "" {
		p.Assignees = []string{fields.Assignee}
	}
	return p
}

func (c *Client) Create(ctx context.Context, fields sync.Fields) (sync.RemoteRecord, error) {
	p := payloadOf(fields)
	p.State = "" // not accepted on create
	var is issue
	if err := c.do(ctx, http.MethodPost, "/repos/"+c.repo+"/issues", p, &is); err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("github: create issue: %w", err)
	}
	return c.toRemote(is), nil
}

func (c *Client) Update(ctx context.Context, externalID string, fields sync.Fields) (sync.RemoteRecord, error) {
	var is issue
	err := c.do(ctx, http.MethodPatch, "/repos/"+c.repo+"/issues/"+externalID, payloadOf(fields), &is)
	if rest.IsStatus(err, http.StatusNotFound, http.StatusGone) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("github: update issue %s: %w", externalID, err)
	}
	return c.toRemote(is), nil
}

func (c *Client) CloseRecord(ctx context.Context, externalID string) error {
	err := c.do(ctx, http.MethodPatch, "/repos/"+c.repo+"/issues/"+externalID,
		issuePayload{State: "closed"}, nil)
	if rest.IsStatus(err, http.StatusNotFound, http.StatusGone) {
		return sync.ErrRemoteNotFound
	}
	if err != nil {
		return fmt.Errorf("github: close issue %s: %w", externalID, err)
	}
	return nil
}
