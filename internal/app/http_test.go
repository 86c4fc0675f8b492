package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"elder/api/internal/store"
	"elder/api/internal/sync"
)

func TestRejectsMissingToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/sync/connections", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRejectsBadToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/sync/connections", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHealthNeedsNoToken(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCreateConnectionRejectsUnknownPlatform(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	body := `{"name":"Tracker","org_id":"org-1","platform":"bugzilla","target_ref":"x"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/connections", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateConnectionRejectsUnknownPolicy(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	body := `{"name":"Tracker","org_id":"org-1","platform":"github","target_ref":"acme/infra","policy":"coin_flip"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/connections", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateConnectionReturnsSecretOnce(t *testing.T) {
	var inserted store.Connection
	fs := &fakeAppStore{
		insertConnectionFn: func(_ context.Context, c store.Connection) error {
			inserted = c
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs, &fakeEngine{}), "*")

	body := `{"name":"Tracker","org_id":"org-1","platform":"github","target_ref":"acme/infra","auth_token":"ghp_x"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/connections", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	secret, _ := payload["webhook_secret"].(string)
	if secret == "" {
		t.Fatalf("expected webhook_secret in create response")
	}
	if secret != inserted.WebhookSecret {
		t.Fatalf("response secret does not match stored secret")
	}
	if inserted.Policy != "last_modified_wins" {
		t.Fatalf("expected default policy, got %q", inserted.Policy)
	}

	// The connection view itself must not leak credentials.
	raw, _ := json.Marshal(payload["connection"])
	if strings.Contains(string(raw), "ghp_x") || strings.Contains(string(raw), secret) {
		t.Fatalf("connection view leaks credentials: %s", raw)
	}
}

func TestTriggerSyncUsesManualTrigger(t *testing.T) {
	conn := store.Connection{ID: "conn-1", Platform: "github"}
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			if id != "conn-1" {
				return store.Connection{}, store.ErrNotFound
			}
			return conn, nil
		},
	}
	var gotTrigger string
	engine := &fakeEngine{
		syncConnectionFn: func(_ context.Context, c store.Connection, trigger string) (store.SyncRun, error) {
			gotTrigger = trigger
			return store.SyncRun{ID: "run-1", ConnectionID: c.ID, Trigger: trigger, Status: "success"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs, engine), "*")

	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/connections/conn-1/sync", nil))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotTrigger != "manual" {
		t.Fatalf("expected manual trigger, got %q", gotTrigger)
	}
}

func TestResolveConflictRejectsBadChoice(t *testing.T) {
	fs := &fakeAppStore{
		getConflictFn: func(_ context.Context, id string) (store.Conflict, error) {
			return store.Conflict{ID: id, Status: "open"}, nil
		},
	}
	server := NewHTTPServer(newTestService(fs, &fakeEngine{}), "*")

	body := `{"choice":"both","resolved_by":"ops"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/cfl-1/resolve", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestResolveConflictForwardsChoice(t *testing.T) {
	fs := &fakeAppStore{
		getConflictFn: func(_ context.Context, id string) (store.Conflict, error) {
			return store.Conflict{ID: id, Status: "open"}, nil
		},
	}
	var gotChoice, gotBy string
	engine := &fakeEngine{
		resolveFn: func(_ context.Context, conflictID, choice, resolvedBy string) error {
			gotChoice, gotBy = choice, resolvedBy
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs, engine), "*")

	body := `{"choice":"remote","resolved_by":"ops"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/cfl-1/resolve", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotChoice != "remote" || gotBy != "ops" {
		t.Fatalf("expected remote/ops, got %q/%q", gotChoice, gotBy)
	}
}

func TestResolveConflictAlreadyResolvedIs409(t *testing.T) {
	fs := &fakeAppStore{
		getConflictFn: func(_ context.Context, id string) (store.Conflict, error) {
			return store.Conflict{ID: id, Status: "resolved"}, nil
		},
	}
	engine := &fakeEngine{
		resolveFn: func(_ context.Context, conflictID, _, _ string) error {
			return fmt.Errorf("conflict %s is resolved: %w", conflictID, sync.ErrConflictClosed)
		},
	}
	server := NewHTTPServer(newTestService(fs, engine), "*")

	body := `{"choice":"local","resolved_by":"ops"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/sync/conflicts/cfl-1/resolve", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != "CONFLICT_CLOSED" {
		t.Fatalf("code = %q, want CONFLICT_CLOSED", resp.Code)
	}
}

func TestCreateRecordRequiresTitle(t *testing.T) {
	server := NewHTTPServer(newTestService(&fakeAppStore{}, &fakeEngine{}), "*")

	body := `{"org_id":"org-1","body":"no title"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/records", bytes.NewBufferString(body)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func githubConnection() store.Connection {
	return store.Connection{
		ID:              "conn-1",
		OrgID:           "org-1",
		Platform:        "github",
		TargetRef:       "acme/infra",
		WebhookSecret:   "s3cret",
		WebhooksEnabled: true,
	}
}

func githubSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			return githubConnection(), nil
		},
	}
	server := NewHTTPServer(newTestService(fs, &fakeEngine{}), "*")

	body := []byte(`{"action":"opened","issue":{"number":7}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github/conn-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	req.Header.Set("X-GitHub-Delivery", "d-1")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWebhookAcceptsAndSyncs(t *testing.T) {
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			return githubConnection(), nil
		},
	}
	synced := make(chan string, 1)
	engine := &fakeEngine{
		syncExternalFn: func(_ context.Context, _ store.Connection, externalID string) error {
			synced <- externalID
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs, engine), "*")

	body := []byte(`{"action":"opened","issue":{"number":7}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github/conn-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", githubSignature("s3cret", body))
	req.Header.Set("X-GitHub-Delivery", "d-1")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	select {
	case id := <-synced:
		if id != "7" {
			t.Fatalf("expected external id 7, got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sync was never triggered")
	}
}

func TestWebhookIgnoresNonIssueEvents(t *testing.T) {
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			return githubConnection(), nil
		},
	}
	engine := &fakeEngine{
		syncExternalFn: func(_ context.Context, _ store.Connection, _ string) error {
			t.Errorf("sync must not run for an ignored event")
			return nil
		},
	}
	server := NewHTTPServer(newTestService(fs, engine), "*")

	body := []byte(`{"action":"created","comment":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github/conn-1", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", githubSignature("s3cret", body))
	req.Header.Set("X-GitHub-Delivery", "d-2")
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRejectsPlatformMismatch(t *testing.T) {
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			return githubConnection(), nil
		},
	}
	server := NewHTTPServer(newTestService(fs, &fakeEngine{}), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/gitlab/conn-1", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestWebhookRejectsWhenDisabled(t *testing.T) {
	conn := githubConnection()
	conn.WebhooksEnabled = false
	fs := &fakeAppStore{
		getConnectionFn: func(_ context.Context, id string) (store.Connection, error) {
			return conn, nil
		},
	}
	server := NewHTTPServer(newTestService(fs, &fakeEngine{}), "*")

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/github/conn-1", bytes.NewReader([]byte(`{}`)))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
}
