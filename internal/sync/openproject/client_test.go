package openproject

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	elsync "elder/api/internal/sync"
)

const statusesBody = `{"_embedded": {"elements": [
	{"id": 1, "name": "New", "isClosed": false},
	{"id": 12, "name": "Closed", "isClosed": true}
]}}`

func TestUpdateSendsFetchedLockVersion(t *testing.T) {
	var patched map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/statuses":
			w.Write([]byte(statusesBody))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/work_packages/42":
			user, pass, _ := r.BasicAuth()
			if user != "apikey" || pass != "tok" {
				t.Fatalf("basic auth = %q/%q", user, pass)
			}
			w.Write([]byte(`{"id": 42, "lockVersion": 7, "subject": "replace switch",
				"_links": {"status": {"href": "/api/v3/statuses/1", "title": "New"}}}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/api/v3/work_packages/42":
			if err := json.NewDecoder(r.Body).Decode(&patched); err != nil {
				t.Fatalf("decode patch: %v", err)
			}
			w.Write([]byte(`{"id": 42, "lockVersion": 8, "subject": "replace switch",
				"_links": {"status": {"href": "/api/v3/statuses/12", "title": "Closed"}}}`))
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "infra", "tok")
	got, err := c.Update(context.Background(), "42", elsync.Fields{
		Title: "replace switch",
		State: elsync.StateClosed,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if lv, ok := patched["lockVersion"].(float64); !ok || lv != 7 {
		t.Fatalf("lockVersion = %v, want 7 from the fetch", patched["lockVersion"])
	}
	links, _ := patched["_links"].(map[string]any)
	if links == nil {
		t.Fatalf("closing update must carry a status link, got %v", patched)
	}
	if got.Fields.State != elsync.StateClosed {
		t.Fatalf("state = %q", got.Fields.State)
	}
}

func TestCloseRecordSkipsAlreadyClosed(t *testing.T) {
	patches := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/statuses":
			w.Write([]byte(statusesBody))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v3/work_packages/42":
			w.Write([]byte(`{"id": 42, "lockVersion": 3, "subject": "done already",
				"_links": {"status": {"href": "/api/v3/statuses/12", "title": "Closed"}}}`))
		case r.Method == http.MethodPatch:
			patches++
			w.Write([]byte(`{}`))
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "infra", "tok")
	if err := c.CloseRecord(context.Background(), "42"); err != nil {
		t.Fatalf("close: %v", err)
	}
	if patches != 0 {
		t.Fatalf("expected no patch for an already-closed work package, got %d", patches)
	}
}

func TestListChangedMapsStatusLinkToState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/api/v3/statuses":
			w.Write([]byte(statusesBody))
		case r.URL.Path == "/api/v3/projects/infra/work_packages":
			w.Write([]byte(`{"total": 2, "count": 2, "_embedded": {"elements": [
				{"id": 1, "subject": "open one",
				 "_links": {"status": {"href": "/api/v3/statuses/1"}}},
				{"id": 2, "subject": "closed one",
				 "_links": {"status": {"href": "/api/v3/statuses/12"}}}
			]}}`))
		default:
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "infra", "tok")
	got, err := c.ListChanged(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("list changed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}
	if got[0].Fields.State != elsync.StateOpen || got[1].Fields.State != elsync.StateClosed {
		t.Fatalf("states = %q/%q", got[0].Fields.State, got[1].Fields.State)
	}
}
