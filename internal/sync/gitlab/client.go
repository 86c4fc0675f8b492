// Package gitlab syncs records against GitLab issues.
package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"elder/api/internal/sync"
	"elder/api/internal/sync/rest"
)

const defaultBaseURL = "https://gitlab.com"

type Client struct {
	http    *http.Client
	baseURL string
	project string // path ("group/project") or numeric id
	token   string
}

func New(baseURL, project, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    rest.NewHTTPClient(),
		baseURL: baseURL,
		project: project,
		token:   token,
	}
}

func (c *Client) Platform() string { return "gitlab" }

func (c *Client) projectPath() string {
	return "/api/v4/projects/" + url.PathEscape(c.project)
}

type glIssue struct {
	IID         int      `json:"iid"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	State       string   `json:"state"`
	WebURL      string   `json:"web_url"`
	Labels      []string `json:"labels"`
	Assignee    *struct {
		Username string `json:"username"`
	} `json:"assignee"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Client) toRemote(is glIssue) sync.RemoteRecord {
	state := sync.StateOpen
	if is.State == "closed" {
		state = sync.StateClosed
	}
	assignee := ""
	if is.Assignee != nil {
		assignee = is.Assignee.Username
	}
	return sync.RemoteRecord{
		ExternalID: strconv.Itoa(is.IID),
		URL:        is.WebURL,
		Fields: sync.Fields{
			Title:    is.Title,
			Body:     is.Description,
			State:    state,
			Labels:   is.Labels,
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
	req.Header.Set("PRIVATE-TOKEN", c.token)
	return rest.DoJSON(c.http, req, out)
}

func (c *Client) Validate(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, c.projectPath(), nil, nil); err != nil {
		return fmt.Errorf("gitlab: project %s: %w", c.project, err)
	}
	return nil
}

func (c *Client) ListChanged(ctx context.Context, since time.Time) ([]sync.RemoteRecord, error) {
	var out []sync.RemoteRecord
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("per_page", "100")
		q.Set("page", strconv.Itoa(page))
		q.Set("scope", "all")
		if !since.IsZero() {
			q.Set("updated_after", since.UTC().Format(time.RFC3339))
		}
		var issues []glIssue
		if err := c.do(ctx, http.MethodGet, c.projectPath()+"/issues?"+q.Encode(), nil, &issues); err != nil {
			return nil, fmt.Errorf("gitlab: list issues: %w", err)
		}
		for _, is := range issues {
			out = append(out, c.toRemote(is))
		}
		if len(issues) < 100 {
			return out, nil
		}
	}
}

func (c *Client) Fetch(ctx context.Context, externalID string) (sync.RemoteRecord, error) {
	var is glIssue
	err := c.do(ctx, http.MethodGet, c.projectPath()+"/issues/"+externalID, nil, &is)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("gitlab: fetch issue %s: %w", externalID, err)
	}
	return c.toRemote(is), nil
}

// glPayload uses GitLab's comma-joined labels form. Assignees need user id
// lookups, so assignee flows inbound only.
type glPayload struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Labels      string `json:"labels,omitempty"`
	StateEvent  string `json:"state_event,omitempty"`
}

func payloadOf(fields sync.Fields, includeState bool) glPayload {
	p := glPayload{
		Title:       fields.Title,
		Description: fields.Body,
		Labels:      strings.Join(fields.Labels, ","),
	}
	if includeState {
		if fields.State == sync.StateClosed {
			p.StateEvent = "close"
		} else {
			p.StateEvent = "reopen"
		}
	}
	return p
}

func (c *Client) Create(ctx context.Context, fields sync.Fields) (sync.RemoteRecord, error) {
	var is glIssue
	if err := c.do(ctx, http.MethodPost, c.projectPath()+"/issues", payloadOf(fields, false), &is); err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("gitlab: create issue: %w", err)
	}
	return c.toRemote(is), nil
}

func (c *Client) Update(ctx context.Context, externalID string, fields sync.Fields) (sync.RemoteRecord, error) {
	var is glIssue
	err := c.do(ctx, http.MethodPut, c.projectPath()+"/issues/"+externalID, payloadOf(fields, true), &is)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("gitlab: update issue %s: %w", externalID, err)
	}
	return c.toRemote(is), nil
}

func (c *Client) CloseRecord(ctx context.Context, externalID string) error {
	err := c.do(ctx, http.MethodPut, c.projectPath()+"/issues/"+externalID,
		glPayload{StateEvent: "close"}, nil)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.ErrRemoteNotFound
	}
	if err != nil {
		return fmt.Errorf("gitlab: close issue %s: %w", externalID, err)
	}
	return nil
}
