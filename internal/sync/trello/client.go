// Package trello syncs records against cards on one Trello list. Trello has
// no server-side updated-since filter on cards, so ListChanged filters on
// dateLastActivity client-side. Archived cards map to the closed state;
// labels and members flow inbound only because outbound writes need board
// label and member ids.
package trello

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"elder/api/internal/sync"
	"elder/api/internal/sync/rest"
)

const defaultBaseURL = "https://api.trello.com"

const cardFields = "name,desc,closed,url,dateLastActivity,labels,idList"

type Client struct {
	http    *http.Client
	baseURL string
	listID  string
	key     string
	token   string
}

func New(baseURL, listID, key, token string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http:    rest.NewHTTPClient(),
		baseURL: baseURL,
		listID:  listID,
		key:     key,
		token:   token,
	}
}

func (c *Client) Platform() string { return "trello" }

type card struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Desc             string    `json:"desc"`
	Closed           bool      `json:"closed"`
	URL              string    `json:"url"`
	DateLastActivity time.Time `json:"dateLastActivity"`
	Labels           []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func toRemote(cd card) sync.RemoteRecord {
	state := sync.StateOpen
	if cd.Closed {
		state = sync.StateClosed
	}
	labels := make([]string, 0, len(cd.Labels))
	for _, l := range cd.Labels {
		if l.Name != "" {
			labels = append(labels, l.Name)
		}
	}
	return sync.RemoteRecord{
		ExternalID: cd.ID,
		URL:        cd.URL,
		Fields: sync.Fields{
			Title:  cd.Name,
			Body:   cd.Desc,
			State:  state,
			Labels: labels,
		},
		UpdatedAt: cd.DateLastActivity,
	}
}

// do appends key/token query auth, the way the Trello API authenticates.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.key)
	params.Set("token", c.token)
	req, err := rest.JSONRequest(ctx, method, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return rest.DoJSON(c.http, req, out)
}

func (c *Client) Validate(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, "/1/lists/"+c.listID, url.Values{"fields": {"name"}}, nil); err != nil {
		return fmt.Errorf("trello: list %s: %w", c.listID, err)
	}
	return nil
}

func (c *Client) ListChanged(ctx context.Context, since time.Time) ([]sync.RemoteRecord, error) {
	var cards []card
	params := url.Values{"fields": {cardFields}}
	if err := c.do(ctx, http.MethodGet, "/1/lists/"+c.listID+"/cards/all", params, &cards); err != nil {
		return nil, fmt.Errorf("trello: list cards: %w", err)
	}
	var out []sync.RemoteRecord
	for _, cd := range cards {
		if !since.IsZero() && cd.DateLastActivity.Before(since) {
			continue
		}
		out = append(out, toRemote(cd))
	}
	return out, nil
}

func (c *Client) Fetch(ctx context.Context, externalID string) (sync.RemoteRecord, error) {
	var cd card
	err := c.do(ctx, http.MethodGet, "/1/cards/"+externalID, url.Values{"fields": {cardFields}}, &cd)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("trello: fetch card %s: %w", externalID, err)
	}
	return toRemote(cd), nil
}

func (c *Client) Create(ctx context.Context, fields sync.Fields) (sync.RemoteRecord, error) {
	params := url.Values{
		"idList": {c.listID},
		"name":   {fields.Title},
		"desc":   {fields.Body},
	}
	var cd card
	if err := c.do(ctx, http.MethodPost, "/1/cards", params, &cd); err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("trello: create card: %w", err)
	}
	return toRemote(cd), nil
}

func (c *Client) Update(ctx context.Context, externalID string, fields sync.Fields) (sync.RemoteRecord, error) {
	params := url.Values{
		"name":   {fields.Title},
		"desc":   {fields.Body},
		"closed": {fmt.Sprintf("%t", fields.State == sync.StateClosed)},
	}
	var cd card
	err := c.do(ctx, http.MethodPut, "/1/cards/"+externalID, params, &cd)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.RemoteRecord{}, sync.ErrRemoteNotFound
	}
	if err != nil {
		return sync.RemoteRecord{}, fmt.Errorf("trello: update card %s: %w", externalID, err)
	}
	return toRemote(cd), nil
}

func (c *Client) CloseRecord(ctx context.Context, externalID string) error {
	err := c.do(ctx, http.MethodPut, "/1/cards/"+externalID, url.Values{"closed": {"true"}}, nil)
	if rest.IsStatus(err, http.StatusNotFound) {
		return sync.ErrRemoteNotFound
	}
	if err != nil {
		return fmt.Errorf("trello: close card %s: %w", externalID, err)
	}
	return nil
}
