package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"elder/api/internal/store"
	"elder/api/internal/util"
)

// ErrConflictClosed is returned when a resolution targets a conflict that is
// no longer open.
var ErrConflictClosed = errors.New("conflict is not open")

// Store is the persistence surface the engine needs.
type Store interface {
	GetConnection(ctx context.Context, id string) (store.Connection, error)
	UpdateConnectionSyncState(ctx context.Context, id string, watermark time.Time, failures int, lastSyncAt time.Time) error

	InsertSyncRun(ctx context.Context, run store.SyncRun) error
	FinishSyncRun(ctx context.Context, run store.SyncRun) error

	GetMappingByExternalID(ctx context.Context, connectionID, externalID string) (store.Mapping, error)
	GetMapping(ctx context.Context, id string) (store.Mapping, error)
	UpsertMapping(ctx context.Context, m store.Mapping) error
	SetMappingBlocked(ctx context.Context, id string, blocked bool) error
	DeleteMapping(ctx context.Context, id string) error
	ListMappings(ctx context.Context, connectionID string) ([]store.Mapping, error)

	GetRecord(ctx context.Context, id string) (store.Record, error)
	InsertRecord(ctx context.Context, r store.Record) error
	UpdateRecordFields(ctx context.Context, id, title, body, state string, labels []string, assignee string) error
	SoftDeleteRecord(ctx context.Context, id string) error
	RestoreRecord(ctx context.Context, id string) error
	ListUnmappedRecords(ctx context.Context, connectionID, orgID string) ([]store.Record, error)
	ListMappedRecords(ctx context.Context, connectionID string) ([]store.Record, error)

	InsertConflict(ctx context.Context, c store.Conflict) error
	GetConflict(ctx context.Context, id string) (store.Conflict, error)
	MarkConflictResolved(ctx context.Context, id, resolution, resolvedBy string) error
}

// ClientFactory builds a platform client for a connection.
type ClientFactory func(conn store.Connection) (Client, error)

// Indexer receives record changes for search indexing.
type Indexer interface {
	IndexRecord(r store.Record)
	DeleteRecord(id string)
}

// Notifier is told about conflicts that need a human.
type Notifier interface {
	ConflictOpened(conn store.Connection, c store.Conflict)
}

// Auditor persists a post-run snapshot of the connection's records.
type Auditor interface {
	WriteSnapshot(connectionID, runID string, records []store.Record) error
}

// HealthSink observes remote-side activity found by batch sync, which the
// webhook health monitor compares against webhook receipts.
type HealthSink interface {
	ObserveRemoteActivity(ctx context.Context, connectionID string, changes int)
}

// watermarkSkew is subtracted from the stored watermark on every pull so
// that clock drift between us and the platform cannot skip records.
const watermarkSkew = 2 * time.Minute

type Engine struct {
	store    Store
	clients  ClientFactory
	indexer  Indexer
	notifier Notifier
	auditor  Auditor
	health   HealthSink
	now      func() time.Time

	// Webhook-triggered and scheduled syncs can target the same connection
	// at the same time; each connection's sync state is single-writer.
	lockMu stdsync.Mutex
	locks  map[string]*stdsync.Mutex
}

// NewEngine wires a sync engine. indexer, notifier, auditor and health may
// be nil; the engine skips those side effects.
func NewEngine(st Store, clients ClientFactory, indexer Indexer, notifier Notifier, auditor Auditor, health HealthSink) *Engine {
	return &Engine{
		store:    st,
		clients:  clients,
		indexer:  indexer,
		notifier: notifier,
		auditor:  auditor,
		health:   health,
		now:      time.Now,
		locks:    make(map[string]*stdsync.Mutex),
	}
}

func (e *Engine) connectionLock(connectionID string) *stdsync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	lock, ok := e.locks[connectionID]
	if ok {
		return lock
	}
	lock = &stdsync.Mutex{}
	e.locks[connectionID] = lock
	return lock
}

// SyncConnection runs a full two-way sync for one connection: pull remote
// changes since the watermark, reconcile them against mappings, then push
// local changes out. The returned run carries the counters even on failure.
func (e *Engine) SyncConnection(ctx context.Context, conn store.Connection, trigger string) (store.SyncRun, error) {
	lock := e.connectionLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	run := store.SyncRun{
		ID:           util.NewID("run"),
		ConnectionID: conn.ID,
		Trigger:      trigger,
		Status:       "running",
		StartedAt:    e.now(),
	}
	if err := e.store.InsertSyncRun(ctx, run); err != nil {
		return run, err
	}

	client, err := e.clients(conn)
	if err != nil {
		return e.fail(ctx, conn, run, fmt.Errorf("build client: %w", err))
	}

	since := conn.Watermark
	if !since.IsZero() {
		since = since.Add(-watermarkSkew)
	}

	remote, err := client.ListChanged(ctx, since)
	if err != nil {
		return e.fail(ctx, conn, run, fmt.Errorf("list remote changes: %w", err))
	}

	maxSeen := conn.Watermark
	pullErrs := 0
	pushErrs := 0
	for _, rr := range remote {
		if rr.UpdatedAt.After(maxSeen) {
			maxSeen = rr.UpdatedAt
		}
		if err := e.reconcileRemote(ctx, conn, client, rr, &run); err != nil {
			pullErrs++
			log.Printf("sync: %s/%s reconcile %s: %v", conn.Platform, conn.ID, rr.ExternalID, err)
		}
	}

	if len(remote) > 0 && e.health != nil {
		e.health.ObserveRemoteActivity(ctx, conn.ID, len(remote))
	}

	if err := e.pushLocal(ctx, conn, client, &run); err != nil {
		pushErrs++
		log.Printf("sync: %s/%s push: %v", conn.Platform, conn.ID, err)
	}

	run.Status = "success"
	if pullErrs > 0 || pushErrs > 0 {
		run.Status = "partial"
	}
	if err := e.store.FinishSyncRun(ctx, run); err != nil {
		log.Printf("sync: finish run %s: %v", run.ID, err)
	}
	// A failed record would fall outside the next pull window if the
	// watermark moved past it; keep the old watermark and retry the whole
	// window on the next run.
	watermark := maxSeen
	if pullErrs > 0 {
		watermark = conn.Watermark
	}
	if err := e.store.UpdateConnectionSyncState(ctx, conn.ID, watermark, 0, e.now()); err != nil {
		log.Printf("sync: update connection %s: %v", conn.ID, err)
	}

	e.writeAudit(ctx, conn, run)
	return run, nil
}

// SyncExternal reconciles a single external record, typically in response to
// a webhook delivery.
func (e *Engine) SyncExternal(ctx context.Context, conn store.Connection, externalID string) error {
	lock := e.connectionLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	client, err := e.clients(conn)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	run := store.SyncRun{
		ID:           util.NewID("run"),
		ConnectionID: conn.ID,
		Trigger:      "webhook",
		Status:       "running",
		StartedAt:    e.now(),
	}
	if err := e.store.InsertSyncRun(ctx, run); err != nil {
		return err
	}

	rr, err := client.Fetch(ctx, externalID)
	if errors.Is(err, ErrRemoteNotFound) {
		rr = RemoteRecord{ExternalID: externalID, Deleted: true, UpdatedAt: e.now()}
	} else if err != nil {
		_, ferr := e.fail(ctx, conn, run, fmt.Errorf("fetch %s: %w", externalID, err))
		return ferr
	}

	if err := e.reconcileRemote(ctx, conn, client, rr, &run); err != nil {
		_, ferr := e.fail(ctx, conn, run, err)
		return ferr
	}

	run.Status = "success"
	if err := e.store.FinishSyncRun(ctx, run); err != nil {
		log.Printf("sync: finish run %s: %v", run.ID, err)
	}
	return nil
}

func (e *Engine) fail(ctx context.Context, conn store.Connection, run store.SyncRun, cause error) (store.SyncRun, error) {
	run.Status = "failed"
	run.Error = cause.Error()
	if err := e.store.FinishSyncRun(ctx, run); err != nil {
		log.Printf("sync: finish failed run %s: %v", run.ID, err)
	}
	if err := e.store.UpdateConnectionSyncState(ctx, conn.ID, conn.Watermark, conn.Failures+1, e.now()); err != nil {
		log.Printf("sync: update connection %s: %v", conn.ID, err)
	}
	return run, cause
}

func (e *Engine) reconcileRemote(ctx context.Context, conn store.Connection, client Client, rr RemoteRecord, run *store.SyncRun) error {
	m, err := e.store.GetMappingByExternalID(ctx, conn.ID, rr.ExternalID)
	if errors.Is(err, store.ErrNotFound) {
		if rr.Deleted {
			return nil
		}
		return e.pullCreate(ctx, conn, rr, run)
	}
	if err != nil {
		return err
	}
	if m.Blocked {
		// A manual conflict is pending; leave both sides alone.
		return nil
	}

	rec, err := e.store.GetRecord(ctx, m.RecordID)
	if err != nil {
		return err
	}

	localFields := FieldsOf(rec)
	localChanged := Hash(localFields) != m.LocalHash
	localDeleted := rec.DeletedAt != nil

	if rr.Deleted {
		switch {
		case localDeleted:
			// Both sides gone; drop the mapping.
			return e.store.DeleteMapping(ctx, m.ID)
		case localChanged:
			// Remote deleted what we edited. Always a human decision.
			return e.openConflict(ctx, conn, m, rec, KindUpdateDelete, localFields, rr.Fields, run)
		default:
			if err := e.store.SoftDeleteRecord(ctx, rec.ID); err != nil {
				return err
			}
			if e.indexer != nil {
				e.indexer.DeleteRecord(rec.ID)
			}
			run.Pulled++
			return e.store.DeleteMapping(ctx, m.ID)
		}
	}

	remoteHash := Hash(rr.Fields)
	if remoteHash == m.RemoteHash {
		// Nothing new on the remote side; the push pass handles local edits.
		return nil
	}

	if localDeleted {
		return e.openConflict(ctx, conn, m, rec, KindDeleteUpdate, localFields, rr.Fields, run)
	}

	if !localChanged {
		run.Pulled++
		return e.applyRemote(ctx, rec, rr, m)
	}

	// Both sides changed since the last sync.
	base := ParseSnapshot(m.BaseSnapshot)
	outcome := Resolve(Policy(conn.Policy), base, localFields, rr.Fields, rec.UpdatedAt, rr.UpdatedAt)

	switch outcome.Action {
	case KeepLocal:
		pushed, err := client.Update(ctx, rr.ExternalID, localFields)
		if err != nil {
			return fmt.Errorf("push local winner: %w", err)
		}
		if err := e.saveMappingState(ctx, m, localFields, pushed); err != nil {
			return err
		}
		run.Pushed++
		run.AutoResolved++
		return e.recordResolved(ctx, conn, m, rec, "kept_local", localFields, rr.Fields)

	case KeepRemote:
		if err := e.applyRemote(ctx, rec, rr, m); err != nil {
			return err
		}
		run.Pulled++
		run.AutoResolved++
		return e.recordResolved(ctx, conn, m, rec, "kept_remote", localFields, rr.Fields)

	case Merge:
		merged := outcome.Merged
		if err := e.store.UpdateRecordFields(ctx, rec.ID, merged.Title, merged.Body, merged.State, merged.Labels, merged.Assignee); err != nil {
			return err
		}
		pushed, err := client.Update(ctx, rr.ExternalID, merged)
		if err != nil {
			return fmt.Errorf("push merged fields: %w", err)
		}
		if err := e.saveMappingState(ctx, m, merged, pushed); err != nil {
			return err
		}
		if e.indexer != nil {
			rec.Title, rec.Body, rec.State, rec.Labels, rec.Assignee =
				merged.Title, merged.Body, merged.State, merged.Labels, merged.Assignee
			e.indexer.IndexRecord(rec)
		}
		run.Pulled++
		run.Pushed++
		run.AutoResolved++
		return e.recordResolved(ctx, conn, m, rec, "merged", localFields, rr.Fields)

	default:
		return e.openConflict(ctx, conn, m, rec, KindUpdateUpdate, localFields, rr.Fields, run)
	}
}

func (e *Engine) pullCreate(ctx context.Context, conn store.Connection, rr RemoteRecord, run *store.SyncRun) error {
	rec := store.Record{
		ID:       util.NewID("rec"),
		OrgID:    conn.OrgID,
		Title:    rr.Fields.Title,
		Body:     rr.Fields.Body,
		State:    rr.Fields.State,
		Labels:   rr.Fields.Labels,
		Assignee: rr.Fields.Assignee,
	}
	if err := e.store.InsertRecord(ctx, rec); err != nil {
		return err
	}
	if e.indexer != nil {
		e.indexer.IndexRecord(rec)
	}

	hash := Hash(rr.Fields)
	run.Created++
	return e.store.UpsertMapping(ctx, store.Mapping{
		ID:               util.NewID("map"),
		ConnectionID:     conn.ID,
		RecordID:         rec.ID,
		ExternalID:       rr.ExternalID,
		ExternalURL:      rr.URL,
		BaseSnapshot:     Snapshot(rr.Fields),
		LocalHash:        hash,
		RemoteHash:       hash,
		RemoteModifiedAt: rr.UpdatedAt,
		LastSyncedAt:     e.now(),
	})
}

func (e *Engine) applyRemote(ctx context.Context, rec store.Record, rr RemoteRecord, m store.Mapping) error {
	f := rr.Fields
	if err := e.store.UpdateRecordFields(ctx, rec.ID, f.Title, f.Body, f.State, f.Labels, f.Assignee); err != nil {
		return err
	}
	if e.indexer != nil {
		rec.Title, rec.Body, rec.State, rec.Labels, rec.Assignee =
			f.Title, f.Body, f.State, f.Labels, f.Assignee
		e.indexer.IndexRecord(rec)
	}

	hash := Hash(f)
	m.BaseSnapshot = Snapshot(f)
	m.LocalHash = hash
	m.RemoteHash = hash
	m.RemoteModifiedAt = rr.UpdatedAt
	m.LastSyncedAt = e.now()
	if rr.URL != "" {
		m.ExternalURL = rr.URL
	}
	return e.store.UpsertMapping(ctx, m)
}

// saveMappingState records fields as the new synced base after a push.
func (e *Engine) saveMappingState(ctx context.Context, m store.Mapping, fields Fields, pushed RemoteRecord) error {
	hash := Hash(fields)
	m.BaseSnapshot = Snapshot(fields)
	m.LocalHash = hash
	m.RemoteHash = hash
	if !pushed.UpdatedAt.IsZero() {
		m.RemoteModifiedAt = pushed.UpdatedAt
		m.RemoteHash = Hash(pushed.Fields)
	}
	if pushed.URL != "" {
		m.ExternalURL = pushed.URL
	}
	m.LastSyncedAt = e.now()
	return e.store.UpsertMapping(ctx, m)
}

func (e *Engine) openConflict(ctx context.Context, conn store.Connection, m store.Mapping, rec store.Record, kind string, local, remote Fields, run *store.SyncRun) error {
	c := store.Conflict{
		ID:             util.NewID("cfl"),
		ConnectionID:   conn.ID,
		MappingID:      m.ID,
		RecordID:       rec.ID,
		Kind:           kind,
		Policy:         conn.Policy,
		Status:         "open",
		LocalSnapshot:  Snapshot(local),
		RemoteSnapshot: Snapshot(remote),
	}
	if err := e.store.InsertConflict(ctx, c); err != nil {
		return err
	}
	if err := e.store.SetMappingBlocked(ctx, m.ID, true); err != nil {
		return err
	}
	run.Conflicts++
	if e.notifier != nil {
		e.notifier.ConflictOpened(conn, c)
	}
	return nil
}

// recordResolved writes an auto-resolved conflict row so operators can see
// what the policy decided after the fact.
func (e *Engine) recordResolved(ctx context.Context, conn store.Connection, m store.Mapping, rec store.Record, resolution string, local, remote Fields) error {
	now := e.now()
	return e.store.InsertConflict(ctx, store.Conflict{
		ID:             util.NewID("cfl"),
		ConnectionID:   conn.ID,
		MappingID:      m.ID,
		RecordID:       rec.ID,
		Kind:           KindUpdateUpdate,
		Policy:         conn.Policy,
		Status:         "auto_resolved",
		LocalSnapshot:  Snapshot(local),
		RemoteSnapshot: Snapshot(remote),
		Resolution:     resolution,
		ResolvedAt:     &now,
	})
}

func (e *Engine) pushLocal(ctx context.Context, conn store.Connection, client Client, run *store.SyncRun) error {
	mappings, err := e.store.ListMappings(ctx, conn.ID)
	if err != nil {
		return err
	}

	for _, m := range mappings {
		if m.Blocked {
			continue
		}
		rec, err := e.store.GetRecord(ctx, m.RecordID)
		if err != nil {
			log.Printf("sync: push load record %s: %v", m.RecordID, err)
			continue
		}

		if rec.DeletedAt != nil {
			// The pull pass already turned deleted+remote-changed into a
			// conflict, so the remote side is quiet here.
			if err := client.CloseRecord(ctx, m.ExternalID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
				log.Printf("sync: close remote %s: %v", m.ExternalID, err)
				continue
			}
			if err := e.store.DeleteMapping(ctx, m.ID); err != nil {
				return err
			}
			run.Pushed++
			continue
		}

		fields := FieldsOf(rec)
		if Hash(fields) == m.LocalHash {
			continue
		}
		pushed, err := client.Update(ctx, m.ExternalID, fields)
		if err != nil {
			log.Printf("sync: push update %s: %v", m.ExternalID, err)
			continue
		}
		if err := e.saveMappingState(ctx, m, fields, pushed); err != nil {
			return err
		}
		run.Pushed++
	}

	// Local records that never reached this platform.
	unmapped, err := e.store.ListUnmappedRecords(ctx, conn.ID, conn.OrgID)
	if err != nil {
		return err
	}
	for _, rec := range unmapped {
		fields := FieldsOf(rec)
		created, err := client.Create(ctx, fields)
		if err != nil {
			log.Printf("sync: push create %s: %v", rec.ID, err)
			continue
		}
		hash := Hash(fields)
		if err := e.store.UpsertMapping(ctx, store.Mapping{
			ID:               util.NewID("map"),
			ConnectionID:     conn.ID,
			RecordID:         rec.ID,
			ExternalID:       created.ExternalID,
			ExternalURL:      created.URL,
			BaseSnapshot:     Snapshot(fields),
			LocalHash:        hash,
			RemoteHash:       Hash(created.Fields),
			RemoteModifiedAt: created.UpdatedAt,
			LastSyncedAt:     e.now(),
		}); err != nil {
			return err
		}
		run.Created++
	}
	return nil
}

func (e *Engine) writeAudit(ctx context.Context, conn store.Connection, run store.SyncRun) {
	if e.auditor == nil {
		return
	}
	records, err := e.store.ListMappedRecords(ctx, conn.ID)
	if err != nil {
		log.Printf("sync: audit load records %s: %v", conn.ID, err)
		return
	}
	if err := e.auditor.WriteSnapshot(conn.ID, run.ID, records); err != nil {
		log.Printf("sync: audit snapshot %s: %v", conn.ID, err)
	}
}

// ResolveManual applies an operator's decision on an open conflict and
// unblocks the mapping. choice is "local" or "remote".
func (e *Engine) ResolveManual(ctx context.Context, conflictID, choice, resolvedBy string) error {
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}

	lock := e.connectionLock(c.ConnectionID)
	lock.Lock()
	defer lock.Unlock()

	if c.Status != "open" {
		return fmt.Errorf("conflict %s is %s: %w", c.ID, c.Status, ErrConflictClosed)
	}

	conn, err := e.store.GetConnection(ctx, c.ConnectionID)
	if err != nil {
		return err
	}
	m, err := e.store.GetMapping(ctx, c.MappingID)
	if err != nil {
		return err
	}
	client, err := e.clients(conn)
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	local := ParseSnapshot(c.LocalSnapshot)
	remote := ParseSnapshot(c.RemoteSnapshot)

	switch c.Kind {
	case KindUpdateDelete:
		// Remote side deleted the record.
		if choice == "local" {
			created, err := client.Create(ctx, local)
			if err != nil {
				return fmt.Errorf("recreate remote: %w", err)
			}
			m.ExternalID = created.ExternalID
			if created.URL != "" {
				m.ExternalURL = created.URL
			}
			m.Blocked = false
			if err := e.saveMappingState(ctx, m, local, created); err != nil {
				return err
			}
		} else {
			if err := e.store.SoftDeleteRecord(ctx, c.RecordID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if e.indexer != nil {
				e.indexer.DeleteRecord(c.RecordID)
			}
			if err := e.store.DeleteMapping(ctx, m.ID); err != nil {
				return err
			}
		}

	case KindDeleteUpdate:
		// Local side deleted the record.
		if choice == "local" {
			if err := client.CloseRecord(ctx, m.ExternalID); err != nil && !errors.Is(err, ErrRemoteNotFound) {
				return fmt.Errorf("close remote: %w", err)
			}
			if err := e.store.DeleteMapping(ctx, m.ID); err != nil {
				return err
			}
		} else {
			if err := e.store.RestoreRecord(ctx, c.RecordID); err != nil {
				return err
			}
			if err := e.store.UpdateRecordFields(ctx, c.RecordID, remote.Title, remote.Body, remote.State, remote.Labels, remote.Assignee); err != nil {
				return err
			}
			if rec, err := e.store.GetRecord(ctx, c.RecordID); err == nil && e.indexer != nil {
				e.indexer.IndexRecord(rec)
			}
			hash := Hash(remote)
			m.BaseSnapshot = Snapshot(remote)
			m.LocalHash = hash
			m.RemoteHash = hash
			m.Blocked = false
			m.LastSyncedAt = e.now()
			if err := e.store.UpsertMapping(ctx, m); err != nil {
				return err
			}
		}

	default: // update_update
		if choice == "local" {
			pushed, err := client.Update(ctx, m.ExternalID, local)
			if err != nil {
				return fmt.Errorf("push local choice: %w", err)
			}
			m.Blocked = false
			if err := e.saveMappingState(ctx, m, local, pushed); err != nil {
				return err
			}
		} else {
			if err := e.store.UpdateRecordFields(ctx, c.RecordID, remote.Title, remote.Body, remote.State, remote.Labels, remote.Assignee); err != nil {
				return err
			}
			if rec, err := e.store.GetRecord(ctx, c.RecordID); err == nil && e.indexer != nil {
				e.indexer.IndexRecord(rec)
			}
			hash := Hash(remote)
			m.BaseSnapshot = Snapshot(remote)
			m.LocalHash = hash
			m.RemoteHash = hash
			m.Blocked = false
			m.LastSyncedAt = e.now()
			if err := e.store.UpsertMapping(ctx, m); err != nil {
				return err
			}
		}
	}

	return e.store.MarkConflictResolved(ctx, c.ID, "kept_"+choice, resolvedBy)
}
