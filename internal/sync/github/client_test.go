package github

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

func TestListChangedSkipsPullRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/assets/issues" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Fatalf("authorization = %q", got)
		}
		if got := r.URL.Query().Get("since"); got != "2026-04-01T00:00:00Z" {
			t.Fatalf("since = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"number": 7, "title": "broken dashboard", "body": "details", "state": "open",
			 "html_url": "https://github.test/acme/assets/issues/7",
			 "labels": [{"name": "bug"}], "assignee": {"login": "kim"},
			 "updated_at": "2026-04-02T10:00:00Z"},
			{"number": 8, "title": "a pr", "state": "open",
			 "updated_at": "2026-04-02T11:00:00Z", "pull_request": {}}
		]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/assets", "tok")
	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.ListChanged(context.Background(), since)
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records = %d, want 1 (pull request skipped)", len(got))
	}
	r := got[0]
	if r.ExternalID != "7" || r.Fields.Title != "broken dashboard" || r.Fields.Assignee != "kim" {
		t.Fatalf("record = %+v", r)
	}
	if len(r.Fields.Labels) != 1 || r.Fields.Labels[0] != "bug" {
		t.Fatalf("labels = %v", r.Fields.Labels)
	}
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/assets", "tok")
	_, err := c.Fetch(context.Background(), "99")
	if !errors.Is(err, sync.ErrRemoteNotFound) {
		t.Fatalf("err = %v, want ErrRemoteNotFound", err)
	}
}

func TestCreateSendsAssignees(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s", r.Method)
		}
		var p map[string]any
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p["title"] != "new asset" {
			t.Fatalf("title = %v", p["title"])
		}
		if _, ok := p["state"]; ok {
			t.Fatal("state must not be sent on create")
		}
		assignees, _ := p["assignees"].([]any)
		if len(assignees) != 1 || assignees[0] != "kim" {
			t.Fatalf("assignees = %v", p["assignees"])
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"number": 12, "title": "new asset", "state": "open",
			"html_url": "https://github.test/acme/assets/issues/12",
			"updated_at": "2026-04-02T10:00:00Z"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/assets", "tok")
	got, err := c.Create(context.Background(), sync.Fields{
		Title: "new asset", State: sync.StateOpen, Assignee: "kim",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ExternalID != "12" {
		t.Fatalf("external id = %q", got.ExternalID)
	}
}

func TestCloseRecord(t *testing.T) {
	var gotState string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p map[string]any
		json.NewDecoder(r.Body).Decode(&p)
		gotState, _ = p["state"].(string)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "acme/assets", "tok")
	if err := c.CloseRecord(context.Background(), "7"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if gotState != "closed" {
		t.Fatalf("state = %q, want closed", gotState)
	}
}
