package app

import (
	"context"
	"net/http"
	"time"

	"elder/api/internal/config"
	"elder/api/internal/store"
	"elder/api/internal/sync"
)

// fakeAppStore implements dataStore with overridable function fields. Methods
// without an override return zero values or store.ErrNotFound.
type fakeAppStore struct {
	pingFn             func(ctx context.Context) error
	insertConnectionFn func(ctx context.Context, c store.Connection) error
	getConnectionFn    func(ctx context.Context, id string) (store.Connection, error)
	listConnectionsFn  func(ctx context.Context) ([]store.Connection, error)
	updateConnectionFn func(ctx context.Context, c store.Connection) error
	deleteConnectionFn func(ctx context.Context, id string) error

	insertRecordFn       func(ctx context.Context, r store.Record) error
	getRecordFn          func(ctx context.Context, id string) (store.Record, error)
	updateRecordFieldsFn func(ctx context.Context, id, title, body, state string, labels []string, assignee string) error
	softDeleteRecordFn   func(ctx context.Context, id string) error
	listRecordsFn        func(ctx context.Context, orgID string, includeDeleted bool) ([]store.Record, error)

	listMappingsFn            func(ctx context.Context, connectionID string) ([]store.Mapping, error)
	listConflictsFn           func(ctx context.Context, status string, limit int) ([]store.Conflict, error)
	getConflictFn             func(ctx context.Context, id string) (store.Conflict, error)
	listSyncRunsFn            func(ctx context.Context, connectionID string, limit int) ([]store.SyncRun, error)
	insertWebhookEventFn      func(ctx context.Context, e store.WebhookEvent) error
	listDiscoveredResourcesFn func(ctx context.Context, provider string, limit int) ([]store.DiscoveredResource, error)
}

func (f *fakeAppStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeAppStore) InsertConnection(ctx context.Context, c store.Connection) error {
	if f.insertConnectionFn != nil {
		return f.insertConnectionFn(ctx, c)
	}
	return nil
}

func (f *fakeAppStore) GetConnection(ctx context.Context, id string) (store.Connection, error) {
	if f.getConnectionFn != nil {
		return f.getConnectionFn(ctx, id)
	}
	return store.Connection{}, store.ErrNotFound
}

func (f *fakeAppStore) ListConnections(ctx context.Context) ([]store.Connection, error) {
	if f.listConnectionsFn != nil {
		return f.listConnectionsFn(ctx)
	}
	return nil, nil
}

func (f *fakeAppStore) UpdateConnection(ctx context.Context, c store.Connection) error {
	if f.updateConnectionFn != nil {
		return f.updateConnectionFn(ctx, c)
	}
	return nil
}

func (f *fakeAppStore) DeleteConnection(ctx context.Context, id string) error {
	if f.deleteConnectionFn != nil {
		return f.deleteConnectionFn(ctx, id)
	}
	return nil
}

func (f *fakeAppStore) InsertRecord(ctx context.Context, r store.Record) error {
	if f.insertRecordFn != nil {
		return f.insertRecordFn(ctx, r)
	}
	return nil
}

func (f *fakeAppStore) GetRecord(ctx context.Context, id string) (store.Record, error) {
	if f.getRecordFn != nil {
		return f.getRecordFn(ctx, id)
	}
	return store.Record{}, store.ErrNotFound
}

func (f *fakeAppStore) UpdateRecordFields(ctx context.Context, id, title, body, state string, labels []string, assignee string) error {
	if f.updateRecordFieldsFn != nil {
		return f.updateRecordFieldsFn(ctx, id, title, body, state, labels, assignee)
	}
	return nil
}

func (f *fakeAppStore) SoftDeleteRecord(ctx context.Context, id string) error {
	if f.softDeleteRecordFn != nil {
		return f.softDeleteRecordFn(ctx, id)
	}
	return nil
}

func (f *fakeAppStore) ListRecords(ctx context.Context, orgID string, includeDeleted bool) ([]store.Record, error) {
	if f.listRecordsFn != nil {
		return f.listRecordsFn(ctx, orgID, includeDeleted)
	}
	return nil, nil
}

func (f *fakeAppStore) ListMappings(ctx context.Context, connectionID string) ([]store.Mapping, error) {
	if f.listMappingsFn != nil {
		return f.listMappingsFn(ctx, connectionID)
	}
	return nil, nil
}

func (f *fakeAppStore) ListConflicts(ctx context.Context, status string, limit int) ([]store.Conflict, error) {
	if f.listConflictsFn != nil {
		return f.listConflictsFn(ctx, status, limit)
	}
	return nil, nil
}

func (f *fakeAppStore) GetConflict(ctx context.Context, id string) (store.Conflict, error) {
	if f.getConflictFn != nil {
		return f.getConflictFn(ctx, id)
	}
	return store.Conflict{}, store.ErrNotFound
}

func (f *fakeAppStore) ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]store.SyncRun, error) {
	if f.listSyncRunsFn != nil {
		return f.listSyncRunsFn(ctx, connectionID, limit)
	}
	return nil, nil
}

func (f *fakeAppStore) InsertWebhookEvent(ctx context.Context, e store.WebhookEvent) error {
	if f.insertWebhookEventFn != nil {
		return f.insertWebhookEventFn(ctx, e)
	}
	return nil
}

func (f *fakeAppStore) ListDiscoveredResources(ctx context.Context, provider string, limit int) ([]store.DiscoveredResource, error) {
	if f.listDiscoveredResourcesFn != nil {
		return f.listDiscoveredResourcesFn(ctx, provider, limit)
	}
	return nil, nil
}

type fakeEngine struct {
	syncConnectionFn func(ctx context.Context, conn store.Connection, trigger string) (store.SyncRun, error)
	syncExternalFn   func(ctx context.Context, conn store.Connection, externalID string) error
	resolveFn        func(ctx context.Context, conflictID, choice, resolvedBy string) error
}

func (f *fakeEngine) SyncConnection(ctx context.Context, conn store.Connection, trigger string) (store.SyncRun, error) {
	if f.syncConnectionFn != nil {
		return f.syncConnectionFn(ctx, conn, trigger)
	}
	return store.SyncRun{ID: "run-1", ConnectionID: conn.ID, Trigger: trigger, Status: "success"}, nil
}

func (f *fakeEngine) SyncExternal(ctx context.Context, conn store.Connection, externalID string) error {
	if f.syncExternalFn != nil {
		return f.syncExternalFn(ctx, conn, externalID)
	}
	return nil
}

func (f *fakeEngine) ResolveManual(ctx context.Context, conflictID, choice, resolvedBy string) error {
	if f.resolveFn != nil {
		return f.resolveFn(ctx, conflictID, choice, resolvedBy)
	}
	return nil
}

type stubClient struct {
	validateErr error
}

func (c *stubClient) Platform() string { return "github" }

func (c *stubClient) Validate(ctx context.Context) error { return c.validateErr }

func (c *stubClient) ListChanged(ctx context.Context, since time.Time) ([]sync.RemoteRecord, error) {
	return nil, nil
}

func (c *stubClient) Fetch(ctx context.Context, externalID string) (sync.RemoteRecord, error) {
	return sync.RemoteRecord{}, sync.ErrRemoteNotFound
}

func (c *stubClient) Create(ctx context.Context, fields sync.Fields) (sync.RemoteRecord, error) {
	return sync.RemoteRecord{ExternalID: "ext-1", Fields: fields}, nil
}

func (c *stubClient) Update(ctx context.Context, externalID string, fields sync.Fields) (sync.RemoteRecord, error) {
	return sync.RemoteRecord{ExternalID: externalID, Fields: fields}, nil
}

func (c *stubClient) CloseRecord(ctx context.Context, externalID string) error { return nil }

func newTestService(fs *fakeAppStore, engine *fakeEngine) *Service {
	cfg := config.Config{
		AdminToken:      "admin-token",
		ExternalBaseURL: "http://localhost:8788",
		SyncInterval:    5 * time.Minute,
	}
	svc := New(cfg, fs, engine, nil, nil, nil, nil)
	svc.clients = func(store.Connection) (sync.Client, error) {
		return &stubClient{}, nil
	}
	return svc
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer admin-token")
	return req
}
