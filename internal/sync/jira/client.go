// Package jira syncs records against Jira issues via the v2 REST API. Works
// against Jira Cloud (email + API token) and Server (username + password).
package jira

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

// jiraTime is the timestamp layout Jira uses in issue fields.
const jiraTime = "2006-01-02T15:04:05.000-0700"

const issueFields = "summary,description,status,labels,assignee,updated"

type Client struct {
	http    *http.Client
	baseURL string
	project string // project key, e.g. "OPS"
	user    string
	token   string
}

func New(baseURL, project, user, token string) *Client {
	return &Client{
		http:    rest.NewHTTPClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		user:    user,
		token:   token,
	}
}

func (c *Client) Platform() string { return "jira" }

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		Labels      []string `json:"labels"`
		Status      struct {
			StatusCategory struct {
				Key string `json:"key"`
			} `json:"statusCategory"`
		} `json:"status"`
		Assignee *struct {
			Name         string `json:"name"`
			EmailAddress string `json:"emailAddress"`
		} `json:"assignee"`
		Updated string `json:"updated"`
	} `json:"fields"`
}

func (c *Client) toRemote(is jiraIssue) sync.RemoteRecord {
	state := sync.StateOpen
	if is.Fields.Status.StatusCategory.Key == "done" {
		state = sync.StateClosed
	}
	assignee := ""
	if is.Fields.Assignee != nil {
		assignee = is.Fields.Assignee.Name
		if assignee == "" {
			assignee = is.Fields.Assignee.EmailAddress
		}
	}
	updated, _ := time.Parse(jiraTime, is.Fields.Updated)
	return sync.RemoteRecord{
		ExternalID: is.Key,
		URL:        c.baseURL + "/browse/" + is.Key,
		Fields: sync.Fields{
			Title:    is.Fields.Summary,
			Body:     is.Fields.Description,
			State:    state,
			Labels:   is.Fields.Labels,
			Assignee: assignee,
		},
		UpdatedAt: updated,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := rest.JSONRequest(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.token)
	return rest.DoJSON(c.http, req, out)
}

func (c *Client) Validate(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/rest/api/2/project/"+c.project, nil, nil); err != nil {
		return fmt.Errorf("jira: project %s: %w", c.project, err)
	}
	return nil
}

func (c *Client) ListChanged(ctx context.Context, since time.Time) ([]sync.RemoteRecord, error) {
	jql := fmt.Sprintf("project = %s", c.project)
	if !since.IsZero() {
		// JQL compares in the instance timezone; minute precision.
		jql += fmt.Sprintf(` AND updated >= "%s"`, since.UTC().Format("2006-01-02 15:04"))
	}
	jql += " ORDER BY updated ASC"

	var out []sync.RemoteRecord
	for startAt := 0; ; {
		q := url.Values{}
		q.Set("jql", jql)
		q.Set("fields", issueFields)
		q.Set("maxResults", "100")
		q.Set("startAt", strconv.Itoa(startAt))

		var page struct {
			Total  int         `json:"total"`
			Issues []jiraIssue `json:"issues"`
		}
		if err := c.do(ctx, http.MethodGet, "/rest/api/2/search?"+q.Encode(), nil, &page); err != nil {
			return nil, fmt.Errorf("jira: search: %w", err)
		}
		for _, is := range page.Issues {
			out = append(out, c.toRemote(is))
		}
		startAt += len(page.Issues)
		if len(page.Issues) == 0 || startAt >= page.Total {
			return out, nil
		}
	}
}

func (c *Client) Fetch(ctx context.Context, externalID string) (sync.RemoteRecord, error) {
	var is jiraIssue
	err := c.do(ctx, http.MethodGet, "/rest/api/2/issue/"+externalID+"?fields="+issueFields, nil, &is)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("jira: fetch issue %s: %w", externalID, err)
	}
	return c.toRemote(is), nil
}

func (c *Client) Create(ctx context.Context, fields sync.Fields) (sync.RemoteRecord, error) {
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": c.project},
			"issuetype":   map[string]string{"name": "Task"},
			"summary":     fields.Title,
			"description": fields.Body,
			"labels":      jiraLabels(fields.Labels),
		},
	}
	var created struct {
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/2/issue", payload, &created); err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("jira: create issue: %w", err)
	}
	return c.Fetch(ctx, created.Key)
}

func (c *Client) Update(ctx context.Context, externalID string, fields sync.Fields) (sync.RemoteRecord, error) {
	payload := map[string]any{
		"fields": map[string]any{
			"summary":     fields.Title,
			"description": fields.Body,
			"labels":      jiraLabels(fields.Labels),
		},
	}
	err := c.do(ctx, http.MethodPut, "/rest/api/2/issue/"+externalID, payload, nil)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("jira: update issue %s: %w", externalID, err)
	}
	if err := c.transitionTo(ctx, externalID, fields.State); err != nil {
		return sync.RemoteRecord{}, err
	}
	return c.Fetch(ctx, externalID)
}

func (c *Client) CloseRecord(ctx context.Context, externalID string) error {
	err := c.transitionTo(ctx, externalID, sync.StateClosed)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.ErrRemoteNotFound
	}
	return err
}

// transitionTo moves the issue into the first transition whose target status
// category matches the wanted state. Jira workflows vary per project, so the
// transitions have to be discovered per issue.
func (c *Client) transitionTo(ctx context.Context, externalID, state string) error {
	wantCategory := "done"
	if state != sync.StateClosed {
		wantCategory = "new"
	}

	var page struct {
		Transitions []struct {
			ID string `json:"id"`
			To struct {
				StatusCategory struct {
					Key string `json:"key"`
				} `json:"statusCategory"`
			} `json:"to"`
		} `json:"transitions"`
	}
	path := "/rest/api/2/issue/" + externalID + "/transitions"
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return fmt.Errorf("jira: list transitions %s: %w", externalID, err)
	}

	for _, tr := range page.Transitions {
		if tr.To.StatusCategory.Key != wantCategory {
			continue
		}
		payload := map[string]any{"transition": map[string]string{"id": tr.ID}}
		if err := c.do(ctx, http.MethodPost, path, payload, nil); err != nil {
			return fmt.Errorf("jira: transition %s: %w", externalID, err)
		}
		return nil
	}
	// Already in the wanted category, or the workflow has no such edge.
	return nil
}

// jiraLabels strips spaces, which Jira rejects in label values.
func jiraLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, strings.ReplaceAll(l, " ", "-"))
	}
	return out
}
