package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"elder/api/internal/search"
	"elder/api/internal/store"
)

const maxWebhookBody = 1 << 20

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// connectionView is the redacted wire form of a connection. Credentials and
// the webhook secret never leave the API after creation.
type connectionView struct {
	ID              string     `json:"id"`
	OrgID           string     `json:"org_id"`
	Name            string     `json:"name"`
	Platform        string     `json:"platform"`
	BaseURL         string     `json:"base_url,omitempty"`
	TargetRef       string     `json:"target_ref"`
	WebhooksEnabled bool       `json:"webhooks_enabled"`
	Policy          string     `json:"policy"`
	SyncIntervalSec int        `json:"sync_interval_seconds"`
	Watermark       *time.Time `json:"watermark,omitempty"`
	Failures        int        `json:"failures"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func viewOf(c store.Connection) connectionView {
	v := connectionView{
		ID:              c.ID,
		OrgID:           c.OrgID,
		Name:            c.Name,
		Platform:        c.Platform,
		BaseURL:         c.BaseURL,
		TargetRef:       c.TargetRef,
		WebhooksEnabled: c.WebhooksEnabled,
		Policy:          c.Policy,
		SyncIntervalSec: int(c.SyncInterval / time.Second),
		Failures:        c.Failures,
		LastSyncAt:      c.LastSyncAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
	if !c.Watermark.IsZero() {
		w := c.Watermark
		v.Watermark = &w
	}
	return v
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// Webhook deliveries authenticate with a signature, not a bearer token.
	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "webhooks" {
		s.handleWebhook(w, r, parts[2], parts[3])
		return
	}

	if err := s.service.Authenticate(r.Context(), bearerToken(r)); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}

	if len(parts) >= 2 && parts[0] == "api" {
		switch parts[1] {
		case "sync":
			if len(parts) >= 3 && parts[2] == "connections" {
				s.handleConnections(w, r, parts[3:])
				return
			}
			if len(parts) >= 3 && parts[2] == "conflicts" {
				s.handleConflicts(w, r, parts[3:])
				return
			}
		case "records":
			s.handleRecords(w, r, parts[2:])
			return
		case "search":
			if r.Method == http.MethodGet && len(parts) == 2 {
				s.handleSearch(w, r)
				return
			}
		case "discovery":
			if r.Method == http.MethodGet && len(parts) == 3 && parts[2] == "resources" {
				s.handleDiscovery(w, r)
				return
			}
		case "tokens":
			s.handleTokens(w, r, parts[2:])
			return
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request, platform, connectionID string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	defer r.Body.Close()

	if err := s.service.HandleWebhook(r.Context(), platform, connectionID, r.Header, body); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *HTTPServer) handleConnections(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		conns, err := s.service.ListConnections(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		views := make([]connectionView, 0, len(conns))
		for _, c := range conns {
			views = append(views, viewOf(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": views})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var in ConnectionInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conn, err := s.service.CreateConnection(r.Context(), in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		// The secret is shown exactly once so the caller can configure
		// the platform-side webhook.
		writeJSON(w, http.StatusCreated, map[string]any{
			"connection":     viewOf(conn),
			"webhook_secret": conn.WebhookSecret,
		})

	case len(rest) == 1 && r.Method == http.MethodGet:
		conn, err := s.service.GetConnection(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connection": viewOf(conn)})

	case len(rest) == 1 && r.Method == http.MethodPut:
		var in ConnectionInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		conn, err := s.service.UpdateConnection(r.Context(), rest[0], in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"connection": viewOf(conn)})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteConnection(r.Context(), rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case len(rest) == 2 && rest[1] == "sync" && r.Method == http.MethodPost:
		run, err := s.service.TriggerSync(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run})

	case len(rest) == 2 && rest[1] == "runs" && r.Method == http.MethodGet:
		runs, err := s.service.ListRuns(r.Context(), rest[0], queryInt(r, "limit", 20))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})

	case len(rest) == 2 && rest[1] == "mappings" && r.Method == http.MethodGet:
		mappings, err := s.service.ListMappings(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mappings": mappings})

	case len(rest) == 2 && rest[1] == "webhook-health" && r.Method == http.MethodGet:
		status, err := s.service.WebhookHealth(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"health": status})

	case len(rest) == 2 && rest[1] == "audit" && r.Method == http.MethodGet:
		commits, err := s.service.AuditHistory(r.Context(), rest[0], queryInt(r, "limit", 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commits})

	case len(rest) == 3 && rest[1] == "audit" && r.Method == http.MethodGet:
		entries, err := s.service.AuditSnapshot(r.Context(), rest[0], rest[2])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": entries})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleConflicts(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		conflicts, err := s.service.ListConflicts(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})

	case len(rest) == 1 && r.Method == http.MethodGet:
		conflict, err := s.service.GetConflict(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conflict": conflict})

	case len(rest) == 2 && rest[1] == "resolve" && r.Method == http.MethodPost:
		var in ResolveInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ResolveConflict(r.Context(), rest[0], in); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRecords(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		records, err := s.service.ListRecords(r.Context(), r.URL.Query().Get("org"), r.URL.Query().Get("include_deleted") == "true")
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": records})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var in RecordInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.CreateRecord(r.Context(), in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"record": rec})

	case len(rest) == 1 && r.Method == http.MethodGet:
		rec, err := s.service.GetRecord(r.Context(), rest[0])
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": rec})

	case len(rest) == 1 && r.Method == http.MethodPut:
		var in RecordInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		rec, err := s.service.UpdateRecord(r.Context(), rest[0], in)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"record": rec})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteRecord(r.Context(), rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		Text:        r.URL.Query().Get("q"),
		FilterOrgID: r.URL.Query().Get("org"),
		FilterState: r.URL.Query().Get("state"),
		Limit:       queryInt(r, "limit", 20),
		Offset:      queryInt(r, "offset", 0),
	}
	resp, err := s.service.Search(q)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	resources, err := s.service.ListDiscoveredResources(r.Context(), r.URL.Query().Get("provider"), queryInt(r, "limit", 100))
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"resources": resources})
}

func (s *HTTPServer) handleTokens(w http.ResponseWriter, r *http.Request, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		tokens, err := s.service.ListTokens(r.Context())
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})

	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		token, plaintext, err := s.service.IssueToken(r.Context(), body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"token": token, "secret": plaintext})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := s.service.RevokeToken(r.Context(), rest[0]); err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
