// Package openproject syncs records against OpenProject work packages.
package openproject

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	elsync "elder/api/internal/sync"
	"elder/api/internal/sync/rest"
)

type Client struct {
	http    *http.Client
	baseURL string
	project string // project identifier or numeric id
	token   string

	mu sync.Mutex
	// statuses maps status href to closed-ness, loaded on first use.
	// OpenProject work packages carry their status only as a link.
	statuses map[string]bool
	closedID string
}

func New(baseURL, project, token string) *Client {
	return &Client{
		http:    rest.NewHTTPClient(),
		baseURL: strings.TrimRight(baseURL, "/"),
		project: project,
		token:   token,
	}
}

func (c *Client) Platform() string { return "openproject" }

type workPackage struct {
	ID          int    `json:"id"`
	LockVersion int    `json:"lockVersion"`
	Subject     string `json:"subject"`
	Description struct {
		Raw string `json:"raw"`
	} `json:"description"`
	UpdatedAt time.Time `json:"updatedAt"`
	Links     struct {
		Status struct {
			Href  string `json:"href"`
			Title string `json:"title"`
		} `json:"status"`
		Assignee struct {
			Title string `json:"title"`
		} `json:"assignee"`
	} `json:"_links"`
}

func (c *Client) do(ctx context.Context, method, p string, body, out any) error {
	req, err := rest.JSONRequest(ctx, method, c.baseURL+p, body)
	if err != nil {
		return err
	}
	// OpenProject API keys authenticate as basic auth user "apikey".
	req.SetBasicAuth("apikey", c.token)
	return rest.DoJSON(c.http, req, out)
}

// ensureStatuses loads the instance's status table once per client.
func (c *Client) ensureStatuses(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statuses != nil {
		return nil
	}

	var page struct {
		Embedded struct {
			Elements []struct {
				ID       int    `json:"id"`
				IsClosed bool   `json:"isClosed"`
				Name     string `json:"name"`
			} `json:"elements"`
		} `json:"_embedded"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/statuses", nil, &page); err != nil {
		return fmt.Errorf("openproject: load statuses: %w", err)
	}

	statuses := make(map[string]bool, len(page.Embedded.Elements))
	for _, s := range page.Embedded.Elements {
		href := "/api/v3/statuses/" + strconv.Itoa(s.ID)
		statuses[href] = s.IsClosed
		if s.IsClosed && c.closedID == "" {
			c.closedID = href
		}
	}
	c.statuses = statuses
	return nil
}

func (c *Client) toRemote(wp workPackage) elsync.RemoteRecord {
	state := elsync.StateOpen
	if c.statuses[wp.Links.Status.Href] {
		state = elsync.StateClosed
	}
	id := strconv.Itoa(wp.ID)
	return elsync.RemoteRecord{
		ExternalID: id,
		URL:        c.baseURL + "/work_packages/" + id,
		Fields: elsync.Fields{
			Title:    wp.Subject,
			Body:     wp.Description.Raw,
			State:    state,
			Assignee: wp.Links.Assignee.Title,
		},
		UpdatedAt: wp.UpdatedAt,
	}
}

func (c *Client) Validate(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/api/v3/projects/"+url.PathEscape(c.project), nil, nil); err != nil {
		return fmt.Errorf("openproject: project %s: %w", c.project, err)
	}
	return c.ensureStatuses(ctx)
}

func (c *Client) ListChanged(ctx context.Context, since time.Time) ([]elsync.RemoteRecord, error) {
	if err := c.ensureStatuses(ctx); err != nil {
		return nil, err
	}

	var filters string
	if !since.IsZero() {
		raw, _ := json.Marshal([]map[string]any{{
			"updatedAt": map[string]any{
				"operator": "<>d",
				"values":   []string{since.UTC().Format(time.RFC3339), ""},
			},
		}})
		filters = string(raw)
	}

	var out []elsync.RemoteRecord
	for offset := 1; ; offset++ {
		q := url.Values{}
		q.Set("pageSize", "100")
		q.Set("offset", strconv.Itoa(offset))
		if filters != "" {
			q.Set("filters", filters)
		}

		var page struct {
			Total    int `json:"total"`
			Count    int `json:"count"`
			Embedded struct {
				Elements []workPackage `json:"elements"`
			} `json:"_embedded"`
		}
		p := "/api/v3/projects/" + url.PathEscape(c.project) + "/work_packages?" + q.Encode()
		if err := c.do(ctx, http.MethodGet, p, nil, &page); err != nil {
			return nil, fmt.Errorf("openproject: list work packages: %w", err)
		}
		for _, wp := range page.Embedded.Elements {
			out = append(out, c.toRemote(wp))
		}
		if page.Count == 0 || len(out) >= page.Total {
			return out, nil
		}
	}
}

func (c *Client) Fetch(ctx context.Context, externalID string) (elsync.RemoteRecord, error) {
	wp, err := c.fetchRaw(ctx, externalID)
	if err != nil {
		return elsync.RemoteRecord{}, err
	}
	return c.toRemote(wp), nil
}

func (c *Client) fetchRaw(ctx context.Context, externalID string) (workPackage, error) {
	if err := c.ensureStatuses(ctx); err != nil {
		return workPackage{}, err
	}
	var wp workPackage
	err := c.do(ctx, http.MethodGet, "/api/v3/work_packages/"+externalID, nil, &wp)
	if rest.IsStatus(err, http.StatusNotFound) {
		return workPackage{}, elsync.ErrRemoteNotFound
	}
	if err != nil {
		return workPackage{}, fmt.Errorf("openproject: fetch work package %s: %w", externalID, err)
	}
	return wp, nil
}

func (c *Client) Create(ctx context.Context, fields elsync.Fields) (elsync.RemoteRecord, error) {
	if err := c.ensureStatuses(ctx); err != nil {
		return elsync.RemoteRecord{}, err
	}
	payload := map[string]any{
		"subject":     fields.Title,
		"description": map[string]string{"format": "markdown", "raw": fields.Body},
	}
	var wp workPackage
	p := "/api/v3/projects/" + url.PathEscape(c.project) + "/work_packages"
	if err := c.do(ctx, http.MethodPost, p, payload, &wp); err != nil {
		return elsync.RemoteRecord{}, fmt.Errorf("openproject: create work package: %w", err)
	}
	return c.toRemote(wp), nil
}

// Update needs the current lockVersion, so every write is a fetch + patch.
func (c *Client) Update(ctx context.Context, externalID string, fields elsync.Fields) (elsync.RemoteRecord, error) {
	current, err := c.fetchRaw(ctx, externalID)
	if err != nil {
		return elsync.RemoteRecord{}, err
	}

	payload := map[string]any{
		"lockVersion": current.LockVersion,
		"subject":     fields.Title,
		"description": map[string]string{"format": "markdown", "raw": fields.Body},
	}
	if fields.State == elsync.StateClosed && c.closedID != "" && !c.statuses[current.Links.Status.Href] {
		payload["_links"] = map[string]any{
			"status": map[string]string{"href": c.closedID},
		}
	}

	var wp workPackage
	err = c.do(ctx, http.MethodPatch, "/api/v3/work_packages/"+externalID, payload, &wp)
	if rest.IsStatus(err, http.StatusNotFound) {
		return elsync.RemoteRecord{}, elsync.ErrRemoteNotFound
	}
	if err != nil {
		return elsync.RemoteRecord{}, fmt.Errorf("openproject: update work package %s: %w", externalID, err)
	}
	return c.toRemote(wp), nil
}

func (c *Client) CloseRecord(ctx context.Context, externalID string) error {
	current, err := c.fetchRaw(ctx, externalID)
	if err != nil {
		return err
	}
	if c.statuses[current.Links.Status.Href] {
		return nil // already closed
	}
	if c.closedID == "" {
		return fmt.Errorf("openproject: no closed status configured on %s", c.baseURL)
	}

	payload := map[string]any{
		"lockVersion": current.LockVersion,
		"_links": map[string]any{
			"status": map[string]string{"href": c.closedID},
		},
	}
	err = c.do(ctx, http.MethodPatch, "/api/v3/work_packages/"+externalID, payload, nil)
	if rest.IsStatus(err, http.StatusNotFound) {
		return elsync.ErrRemoteNotFound
	}
	if err != nil {
		return fmt.Errorf("openproject: close work package %s: %w", externalID, err)
	}
	return nil
}
