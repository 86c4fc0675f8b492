package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"elder/api/internal/sync"
)

func TestListChangedEscapesProjectPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.EscapedPath() != "/api/v4/projects/acme%2Finfra/issues" {
			t.Fatalf("path = %s", r.URL.EscapedPath())
		}
		if got := r.Header.Get("PRIVATE-TOKEN"); got != "glpat-x" {
			t.Fatalf("token header = %q", got)
		}
		if got := r.URL.Query().Get("updated_after"); got != "2026-04-01T00:00:00Z" {
			t.Fatalf("updated_after = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"iid": 12, "title": "rack audit", "description": "dc-2", "state": "closed",
			 "web_url": "https://gitlab.test/acme/infra/-/issues/12",
			 "labels": ["hardware"], "assignee": {"username": "lee"},
			 "updated_at": "2026-04-02T10:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/infra", "glpat-x")
	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.ListChanged(context.Background(), since)
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1", len(got))
	}
	r := got[0]
	if r.ExternalID != "12" || r.Fields.State != sync.StateClosed || r.Fields.Assignee != "lee" {
		t.Fatalf("record = %+v", r)
	}
}

func TestUpdateSendsStateEventAndJoinedLabels(t *testing.T) {
	var payload glPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.EscapedPath() != "/api/v4/projects/acme%2Finfra/issues/12" {
			t.Fatalf("%s %s", r.Method, r.URL.EscapedPath())
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iid": 12, "title": "rack audit", "state": "closed", "updated_at": "2026-04-02T10:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/infra", "glpat-x")
	_, err := c.Update(context.Background(), "12", sync.Fields{
		Title:  "rack audit",
		State:  sync.StateClosed,
		Labels: []string{"hardware", "urgent"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if payload.StateEvent != "close" {
		t.Fatalf("state_event = %q", payload.StateEvent)
	}
	if payload.Labels != "hardware,urgent" {
		t.Fatalf("labels = %q", payload.Labels)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "404 Not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/infra", "glpat-x")
	_, err := c.Fetch(context.Background(), "99")
	if !errors.Is(err, sync.ErrRemoteNotFound) {
		t.Fatalf("err = %v, want ErrRemoteNotFound", err)
	}
}
