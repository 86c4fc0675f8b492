package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"elder/api/internal/apitoken"
	"elder/api/internal/auditlog"
	"elder/api/internal/config"
	"elder/api/internal/health"
	"elder/api/internal/search"
	"elder/api/internal/store"
	"elder/api/internal/sync"
	"elder/api/internal/sync/clients"
	"elder/api/internal/util"
	"elder/api/internal/webhook"
)

type ConnectionInput struct {
	Name            string `json:"name"`
	OrgID           string `json:"org_id"`
	Platform        string `json:"platform"`
	BaseURL         string `json:"base_url"`
	TargetRef       string `json:"target_ref"`
	AuthToken       string `json:"auth_token"`
	AuthExtra       string `json:"auth_extra"`
	Policy          string `json:"policy"`
	WebhooksEnabled *bool  `json:"webhooks_enabled"`
	SyncIntervalSec int    `json:"sync_interval_seconds"`
}

type RecordInput struct {
	OrgID    string   `json:"org_id"`
	Title    string   `json:"title"`
	Body     string   `json:"body"`
	State    string   `json:"state"`
	Labels   []string `json:"labels"`
	Assignee string   `json:"assignee"`
}

type ResolveInput struct {
	Choice     string `json:"choice"`
	ResolvedBy string `json:"resolved_by"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	InsertConnection(ctx context.Context, c store.Connection) error
	GetConnection(ctx context.Context, id string) (store.Connection, error)
	ListConnections(ctx context.Context) ([]store.Connection, error)
	UpdateConnection(ctx context.Context, c store.Connection) error
	DeleteConnection(ctx context.Context, id string) error

	InsertRecord(ctx context.Context, r store.Record) error
	GetRecord(ctx context.Context, id string) (store.Record, error)
	UpdateRecordFields(ctx context.Context, id, title, body, state string, labels []string, assignee string) error
	SoftDeleteRecord(ctx context.Context, id string) error
	ListRecords(ctx context.Context, orgID string, includeDeleted bool) ([]store.Record, error)

	ListMappings(ctx context.Context, connectionID string) ([]store.Mapping, error)
	ListConflicts(ctx context.Context, status string, limit int) ([]store.Conflict, error)
	GetConflict(ctx context.Context, id string) (store.Conflict, error)
	ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]store.SyncRun, error)
	InsertWebhookEvent(ctx context.Context, e store.WebhookEvent) error
	ListDiscoveredResources(ctx context.Context, provider string, limit int) ([]store.DiscoveredResource, error)
}

type syncEngine interface {
	SyncConnection(ctx context.Context, conn store.Connection, trigger string) (store.SyncRun, error)
	SyncExternal(ctx context.Context, conn store.Connection, externalID string) error
	ResolveManual(ctx context.Context, conflictID, choice, resolvedBy string) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	engine  syncEngine
	search  *search.Service
	audit   *auditlog.Service
	tracker *health.Tracker
	tokens  *apitoken.Service
	// clients builds a platform client for credential validation. Tests
	// stub it out.
	clients sync.ClientFactory
}

func New(cfg config.Config, st dataStore, engine syncEngine, searchSvc *search.Service,
	audit *auditlog.Service, tracker *health.Tracker, tokens *apitoken.Service) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		engine:  engine,
		search:  searchSvc,
		audit:   audit,
		tracker: tracker,
		tokens:  tokens,
		clients: clients.ForConnection,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- auth ---

var errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)

// Authenticate accepts the admin bootstrap token or an issued API token.
func (s *Service) Authenticate(ctx context.Context, token string) error {
	if token == "" {
		return errUnauthorized
	}
	if s.cfg.AdminToken != "" && token == s.cfg.AdminToken {
		return nil
	}
	if s.tokens == nil {
		return errUnauthorized
	}
	if _, err := s.tokens.Verify(ctx, token); err != nil {
		if errors.Is(err, apitoken.ErrInvalidToken) {
			return errUnauthorized
		}
		return err
	}
	return nil
}

// --- connections ---

func (s *Service) CreateConnection(ctx context.Context, in ConnectionInput) (store.Connection, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.OrgID) == "" {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name and org_id are required", nil)
	}
	if !clients.Supported(in.Platform) {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unsupported platform", map[string]any{"supported": clients.Platforms()})
	}
	if strings.TrimSpace(in.TargetRef) == "" {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "target_ref is required", nil)
	}
	policy := in.Policy
	if policy == "" {
		policy = string(sync.PolicyLastModifiedWins)
	}
	if !sync.ValidPolicy(policy) {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown conflict policy", nil)
	}

	interval := s.cfg.SyncInterval
	if in.SyncIntervalSec > 0 {
		interval = time.Duration(in.SyncIntervalSec) * time.Second
	}
	webhooksEnabled := true
	if in.WebhooksEnabled != nil {
		webhooksEnabled = *in.WebhooksEnabled
	}

	conn := store.Connection{
		ID:              util.NewID("conn"),
		OrgID:           in.OrgID,
		Name:            in.Name,
		Platform:        in.Platform,
		BaseURL:         in.BaseURL,
		TargetRef:       in.TargetRef,
		AuthToken:       in.AuthToken,
		AuthExtra:       in.AuthExtra,
		WebhookSecret:   util.NewSecret(16),
		WebhooksEnabled: webhooksEnabled,
		Policy:          policy,
		SyncInterval:    interval,
	}

	client, err := s.clients(conn)
	if err != nil {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := client.Validate(ctx); err != nil {
		return store.Connection{}, domainError(http.StatusUnprocessableEntity, "CONNECTION_INVALID", "platform rejected the connection", map[string]any{"cause": err.Error()})
	}

	if err := s.store.InsertConnection(ctx, conn); err != nil {
		return store.Connection{}, fmt.Errorf("insert connection: %w", err)
	}
	return conn, nil
}

func (s *Service) GetConnection(ctx context.Context, id string) (store.Connection, error) {
	return s.store.GetConnection(ctx, id)
}

func (s *Service) ListConnections(ctx context.Context) ([]store.Connection, error) {
	return s.store.ListConnections(ctx)
}

func (s *Service) UpdateConnection(ctx context.Context, id string, in ConnectionInput) (store.Connection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return store.Connection{}, err
	}

	if in.Name != "" {
		conn.Name = in.Name
	}
	if in.BaseURL != "" {
		conn.BaseURL = in.BaseURL
	}
	if in.TargetRef != "" {
		conn.TargetRef = in.TargetRef
	}
	if in.AuthToken != "" {
		conn.AuthToken = in.AuthToken
	}
	if in.AuthExtra != "" {
		conn.AuthExtra = in.AuthExtra
	}
	if in.Policy != "" {
		if !sync.ValidPolicy(in.Policy) {
			return store.Connection{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown conflict policy", nil)
		}
		conn.Policy = in.Policy
	}
	if in.WebhooksEnabled != nil {
		conn.WebhooksEnabled = *in.WebhooksEnabled
	}
	if in.SyncIntervalSec > 0 {
		conn.SyncInterval = time.Duration(in.SyncIntervalSec) * time.Second
	}

	if err := s.store.UpdateConnection(ctx, conn); err != nil {
		return store.Connection{}, err
	}
	return conn, nil
}

func (s *Service) DeleteConnection(ctx context.Context, id string) error {
	return s.store.DeleteConnection(ctx, id)
}

// --- sync ---

func (s *Service) TriggerSync(ctx context.Context, connectionID string) (store.SyncRun, error) {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return store.SyncRun{}, err
	}
	return s.engine.SyncConnection(ctx, conn, "manual")
}

func (s *Service) ListRuns(ctx context.Context, connectionID string, limit int) ([]store.SyncRun, error) {
	if _, err := s.store.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return s.store.ListSyncRuns(ctx, connectionID, limit)
}

func (s *Service) ListMappings(ctx context.Context, connectionID string) ([]store.Mapping, error) {
	if _, err := s.store.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	return s.store.ListMappings(ctx, connectionID)
}

// --- conflicts ---

func (s *Service) ListConflicts(ctx context.Context, status string, limit int) ([]store.Conflict, error) {
	return s.store.ListConflicts(ctx, status, limit)
}

func (s *Service) GetConflict(ctx context.Context, id string) (store.Conflict, error) {
	return s.store.GetConflict(ctx, id)
}

func (s *Service) ResolveConflict(ctx context.Context, conflictID string, in ResolveInput) error {
	if in.Choice != "local" && in.Choice != "remote" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", `choice must be "local" or "remote"`, nil)
	}
	if _, err := s.store.GetConflict(ctx, conflictID); err != nil {
		return err
	}
	if err := s.engine.ResolveManual(ctx, conflictID, in.Choice, in.ResolvedBy); err != nil {
		if errors.Is(err, sync.ErrConflictClosed) {
			return domainError(http.StatusConflict, "CONFLICT_CLOSED", err.Error(), nil)
		}
		return err
	}
	return nil
}

// --- webhooks ---

// HandleWebhook verifies, dedupes and applies one delivery. The sync runs in
// the background; platforms expect a fast 2xx.
func (s *Service) HandleWebhook(ctx context.Context, platform, connectionID string, header http.Header, body []byte) error {
	conn, err := s.store.GetConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Platform != platform {
		return domainError(http.StatusNotFound, "NOT_FOUND", "connection does not match platform", nil)
	}
	if !conn.WebhooksEnabled {
		return domainError(http.StatusConflict, "WEBHOOKS_DISABLED", "webhooks are disabled for this connection", nil)
	}

	callbackURL := fmt.Sprintf("%s/api/webhooks/%s/%s", strings.TrimRight(s.cfg.ExternalBaseURL, "/"), platform, connectionID)
	if err := webhook.Verify(platform, header, body, conn.WebhookSecret, callbackURL); err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			return errUnauthorized
		}
		return err
	}

	event, err := webhook.Parse(platform, header, body)
	if errors.Is(err, webhook.ErrIgnored) {
		return nil
	}
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}

	if s.tracker != nil {
		fresh, err := s.tracker.Dedupe(ctx, platform, event.DeliveryID)
		if err != nil {
			log.Printf("webhook: dedupe %s/%s: %v", platform, event.DeliveryID, err)
		} else if !fresh {
			return nil
		}
		if err := s.tracker.MarkWebhook(ctx, conn.ID); err != nil {
			log.Printf("webhook: mark %s: %v", conn.ID, err)
		}
	}

	if err := s.store.InsertWebhookEvent(ctx, store.WebhookEvent{
		ID:           util.NewID("evt"),
		ConnectionID: conn.ID,
		Platform:     platform,
		DeliveryID:   event.DeliveryID,
		Action:       event.Action,
		ExternalID:   event.ExternalID,
	}); err != nil {
		log.Printf("webhook: record event: %v", err)
	}

	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := s.engine.SyncExternal(syncCtx, conn, event.ExternalID); err != nil {
			log.Printf("webhook: sync %s/%s: %v", conn.ID, event.ExternalID, err)
		}
	}()
	return nil
}

func (s *Service) WebhookHealth(ctx context.Context, connectionID string) (health.Status, error) {
	if _, err := s.store.GetConnection(ctx, connectionID); err != nil {
		return health.Status{}, err
	}
	if s.tracker == nil {
		return health.Status{}, nil
	}
	return s.tracker.Check(ctx, connectionID)
}

// --- records ---

func (s *Service) CreateRecord(ctx context.Context, in RecordInput) (store.Record, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.OrgID) == "" {
		return store.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title and org_id are required", nil)
	}
	state := in.State
	if state == "" {
		state = sync.StateOpen
	}
	if state != sync.StateOpen && state != sync.StateClosed {
		return store.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be open or closed", nil)
	}

	rec := store.Record{
		ID:       util.NewID("rec"),
		OrgID:    in.OrgID,
		Title:    in.Title,
		Body:     in.Body,
		State:    state,
		Labels:   in.Labels,
		Assignee: in.Assignee,
	}
	if err := s.store.InsertRecord(ctx, rec); err != nil {
		return store.Record{}, fmt.Errorf("insert record: %w", err)
	}
	if s.search != nil {
		s.search.IndexRecord(rec)
	}
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, id string) (store.Record, error) {
	return s.store.GetRecord(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context, orgID string, includeDeleted bool) ([]store.Record, error) {
	return s.store.ListRecords(ctx, orgID, includeDeleted)
}

func (s *Service) UpdateRecord(ctx context.Context, id string, in RecordInput) (store.Record, error) {
	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return store.Record{}, err
	}
	if rec.DeletedAt != nil {
		return store.Record{}, domainError(http.StatusConflict, "RECORD_DELETED", "record is deleted", nil)
	}

	if in.Title != "" {
		rec.Title = in.Title
	}
	if in.Body != "" {
		rec.Body = in.Body
	}
	if in.State != "" {
		if in.State != sync.StateOpen && in.State != sync.StateClosed {
			return store.Record{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be open or closed", nil)
		}
		rec.State = in.State
	}
	if in.Labels != nil {
		rec.Labels = in.Labels
	}
	if in.Assignee != "" {
		rec.Assignee = in.Assignee
	}

	if err := s.store.UpdateRecordFields(ctx, rec.ID, rec.Title, rec.Body, rec.State, rec.Labels, rec.Assignee); err != nil {
		return store.Record{}, err
	}
	if s.search != nil {
		s.search.IndexRecord(rec)
	}
	return rec, nil
}

func (s *Service) DeleteRecord(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteRecord(ctx, id); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteRecord(id)
	}
	return nil
}

// --- search ---

func (s *Service) Search(q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "search is not configured", nil)
	}
	return s.search.Search(q), nil
}

// --- audit ---

func (s *Service) AuditHistory(ctx context.Context, connectionID string, limit int) ([]auditlog.CommitInfo, error) {
	if _, err := s.store.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return []auditlog.CommitInfo{}, nil
	}
	return s.audit.History(connectionID, limit)
}

func (s *Service) AuditSnapshot(ctx context.Context, connectionID, hash string) ([]auditlog.Entry, error) {
	if _, err := s.store.GetConnection(ctx, connectionID); err != nil {
		return nil, err
	}
	if s.audit == nil {
		return nil, domainError(http.StatusServiceUnavailable, "AUDIT_UNAVAILABLE", "audit log is not configured", nil)
	}
	return s.audit.SnapshotAt(connectionID, hash)
}

// --- tokens ---

func (s *Service) IssueToken(ctx context.Context, name string) (store.APIToken, string, error) {
	if s.tokens == nil {
		return store.APIToken{}, "", domainError(http.StatusServiceUnavailable, "TOKENS_UNAVAILABLE", "token service is not configured", nil)
	}
	t, plaintext, err := s.tokens.Issue(ctx, name)
	if err != nil {
		return store.APIToken{}, "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return t, plaintext, nil
}

func (s *Service) ListTokens(ctx context.Context) ([]store.APIToken, error) {
	if s.tokens == nil {
		return []store.APIToken{}, nil
	}
	return s.tokens.List(ctx)
}

func (s *Service) RevokeToken(ctx context.Context, id string) error {
	if s.tokens == nil {
		return store.ErrNotFound
	}
	return s.tokens.Revoke(ctx, id)
}

// --- discovery ---

func (s *Service) ListDiscoveredResources(ctx context.Context, provider string, limit int) ([]store.DiscoveredResource, error) {
	return s.store.ListDiscoveredResources(ctx, provider, limit)
}
