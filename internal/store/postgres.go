package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- connections ---

const connectionColumns = `id, org_id, name, platform, base_url, target_ref, auth_token, auth_extra,
	webhook_secret, webhooks_enabled, policy, sync_interval_seconds, watermark, failures,
	last_sync_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (Connection, error) {
	var c Connection
	var intervalSeconds int
	err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.Platform, &c.BaseURL, &c.TargetRef,
		&c.AuthToken, &c.AuthExtra, &c.WebhookSecret, &c.WebhooksEnabled, &c.Policy,
		&intervalSeconds, &c.Watermark, &c.Failures, &c.LastSyncAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return Connection{}, err
	}
	c.SyncInterval = time.Duration(intervalSeconds) * time.Second
	return c, nil
}

func (s *PostgresStore) InsertConnection(ctx context.Context, c Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_connections
			(id, org_id, name, platform, base_url, target_ref, auth_token, auth_extra,
			 webhook_secret, webhooks_enabled, policy, sync_interval_seconds, watermark)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, c.ID, c.OrgID, c.Name, c.Platform, c.BaseURL, c.TargetRef, c.AuthToken, c.AuthExtra,
		c.WebhookSecret, c.WebhooksEnabled, c.Policy, int(c.SyncInterval.Seconds()), c.Watermark)
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM sync_connections WHERE id=$1`, id)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Connection{}, ErrNotFound
	}
	if err != nil {
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConnections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM sync_connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var result []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, c Connection) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_connections
		SET name=$2, base_url=$3, target_ref=$4, auth_token=$5, auth_extra=$6,
			webhook_secret=$7, webhooks_enabled=$8, policy=$9,
			sync_interval_seconds=$10, updated_at=NOW()
		WHERE id=$1
	`, c.ID, c.Name, c.BaseURL, c.TargetRef, c.AuthToken, c.AuthExtra,
		c.WebhookSecret, c.WebhooksEnabled, c.Policy, int(c.SyncInterval.Seconds()))
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_connections WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateConnectionSyncState(ctx context.Context, id string, watermark time.Time, failures int, lastSyncAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_connections
		SET watermark=$2, failures=$3, last_sync_at=$4, updated_at=NOW()
		WHERE id=$1
	`, id, watermark, failures, lastSyncAt)
	if err != nil {
		return fmt.Errorf("update connection sync state: %w", err)
	}
	return nil
}

// --- records ---

const recordColumns = `id, org_id, title, body, state, labels, assignee, deleted_at, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var r Record
	var labels []byte
	err := row.Scan(&r.ID, &r.OrgID, &r.Title, &r.Body, &r.State, &labels,
		&r.Assignee, &r.DeletedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &r.Labels); err != nil {
			return Record{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	return r, nil
}

func marshalLabels(labels []string) []byte {
	if labels == nil {
		labels = []string{}
	}
	payload, _ := json.Marshal(labels)
	return payload
}

func (s *PostgresStore) InsertRecord(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, org_id, title, body, state, labels, assignee)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, r.OrgID, r.Title, r.Body, r.State, marshalLabels(r.Labels), r.Assignee)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id=$1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRecordFields(ctx context.Context, id, title, body, state string, labels []string, assignee string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET title=$2, body=$3, state=$4, labels=$5, assignee=$6, updated_at=NOW()
		WHERE id=$1
	`, id, title, body, state, marshalLabels(labels), assignee)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RestoreRecord(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE records SET deleted_at=NULL, updated_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return fmt.Errorf("restore record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, orgID string, includeDeleted bool) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records WHERE org_id=$1`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListUnmappedRecords returns live records of the connection's org that have
// no mapping on that connection yet: candidates for push-create.
func (s *PostgresStore) ListUnmappedRecords(ctx context.Context, connectionID, orgID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records r
		WHERE r.org_id = $2
			AND r.deleted_at IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM sync_mappings m
				WHERE m.record_id = r.id AND m.connection_id = $1
			)
		ORDER BY r.created_at
	`, connectionID, orgID)
	if err != nil {
		return nil, fmt.Errorf("list unmapped records: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// ListMappedRecords returns every record with a mapping on the connection,
// including soft-deleted ones, for the push pass and audit snapshots.
func (s *PostgresStore) ListMappedRecords(ctx context.Context, connectionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.org_id, r.title, r.body, r.state, r.labels, r.assignee,
			r.deleted_at, r.created_at, r.updated_at
		FROM records r
		JOIN sync_mappings m ON m.record_id = r.id
		WHERE m.connection_id = $1
		ORDER BY r.id
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list mapped records: %w", err)
	}
	defer rows.Close()

	var result []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- mappings ---

const mappingColumns = `id, connection_id, record_id, external_id, external_url, base_snapshot,
	local_hash, remote_hash, remote_modified_at, last_synced_at, blocked, created_at`

func scanMapping(row interface{ Scan(...any) error }) (Mapping, error) {
	var m Mapping
	err := row.Scan(&m.ID, &m.ConnectionID, &m.RecordID, &m.ExternalID, &m.ExternalURL,
		&m.BaseSnapshot, &m.LocalHash, &m.RemoteHash, &m.RemoteModifiedAt,
		&m.LastSyncedAt, &m.Blocked, &m.CreatedAt)
	return m, err
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, m Mapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_mappings
			(id, connection_id, record_id, external_id, external_url, base_snapshot,
			 local_hash, remote_hash, remote_modified_at, last_synced_at, blocked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (connection_id, external_id) DO UPDATE SET
			external_url=EXCLUDED.external_url,
			base_snapshot=EXCLUDED.base_snapshot,
			local_hash=EXCLUDED.local_hash,
			remote_hash=EXCLUDED.remote_hash,
			remote_modified_at=EXCLUDED.remote_modified_at,
			last_synced_at=EXCLUDED.last_synced_at,
			blocked=EXCLUDED.blocked
	`, m.ID, m.ConnectionID, m.RecordID, m.ExternalID, m.ExternalURL, m.BaseSnapshot,
		m.LocalHash, m.RemoteHash, m.RemoteModifiedAt, m.LastSyncedAt, m.Blocked)
	if err != nil {
		return fmt.Errorf("upsert mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMappingByExternalID(ctx context.Context, connectionID, externalID string) (Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+mappingColumns+` FROM sync_mappings
		WHERE connection_id=$1 AND external_id=$2
	`, connectionID, externalID)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMapping(ctx context.Context, id string) (Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mappingColumns+` FROM sync_mappings WHERE id=$1`, id)
	m, err := scanMapping(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mapping{}, ErrNotFound
	}
	if err != nil {
		return Mapping{}, fmt.Errorf("get mapping: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMappings(ctx context.Context, connectionID string) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mappingColumns+` FROM sync_mappings
		WHERE connection_id=$1 ORDER BY created_at
	`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	var result []Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mapping: %w", err)
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetMappingBlocked(ctx context.Context, id string, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_mappings SET blocked=$2 WHERE id=$1`, id, blocked)
	if err != nil {
		return fmt.Errorf("set mapping blocked: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_mappings WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// --- conflicts ---

const conflictColumns = `id, connection_id, mapping_id, record_id, kind, policy, status,
	local_snapshot, remote_snapshot, resolution, resolved_by, created_at, resolved_at`

func scanConflict(row interface{ Scan(...any) error }) (Conflict, error) {
	var c Conflict
	err := row.Scan(&c.ID, &c.ConnectionID, &c.MappingID, &c.RecordID, &c.Kind, &c.Policy,
		&c.Status, &c.LocalSnapshot, &c.RemoteSnapshot, &c.Resolution, &c.ResolvedBy,
		&c.CreatedAt, &c.ResolvedAt)
	return c, err
}

func (s *PostgresStore) InsertConflict(ctx context.Context, c Conflict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_conflicts
			(id, connection_id, mapping_id, record_id, kind, policy, status,
			 local_snapshot, remote_snapshot, resolution, resolved_by, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, c.ID, c.ConnectionID, c.MappingID, c.RecordID, c.Kind, c.Policy, c.Status,
		c.LocalSnapshot, c.RemoteSnapshot, c.Resolution, c.ResolvedBy, c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id string) (Conflict, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id=$1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	if err != nil {
		return Conflict{}, fmt.Errorf("get conflict: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, status string, limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var result []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *PostgresStore) MarkConflictResolved(ctx context.Context, id, resolution, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET status='resolved', resolution=$2, resolved_by=$3, resolved_at=NOW()
		WHERE id=$1 AND status='open'
	`, id, resolution, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- sync runs ---

func (s *PostgresStore) InsertSyncRun(ctx context.Context, run SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (id, connection_id, trigger_source, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.ID, run.ConnectionID, run.Trigger, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) FinishSyncRun(ctx context.Context, run SyncRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs
		SET status=$2, pulled=$3, pushed=$4, created=$5, conflicts=$6,
			auto_resolved=$7, error=$8, finished_at=NOW()
		WHERE id=$1
	`, run.ID, run.Status, run.Pulled, run.Pushed, run.Created, run.Conflicts,
		run.AutoResolved, run.Error)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, connectionID string, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, trigger_source, status, pulled, pushed, created,
			conflicts, auto_resolved, error, started_at, finished_at
		FROM sync_runs
		WHERE connection_id=$1
		ORDER BY started_at DESC
		LIMIT $2
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var result []SyncRun
	for rows.Next() {
		var run SyncRun
		if err := rows.Scan(&run.ID, &run.ConnectionID, &run.Trigger, &run.Status,
			&run.Pulled, &run.Pushed, &run.Created, &run.Conflicts, &run.AutoResolved,
			&run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		result = append(result, run)
	}
	return result, rows.Err()
}

// --- webhook events ---

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, e WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, connection_id, platform, delivery_id, action, external_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (platform, delivery_id) DO NOTHING
	`, e.ID, e.ConnectionID, e.Platform, e.DeliveryID, e.Action, e.ExternalID)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

// --- discovered resources ---

func (s *PostgresStore) UpsertDiscoveredResource(ctx context.Context, r DiscoveredResource) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discovered_resources
			(id, provider, kind, external_id, name, region, payload, archive_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, external_id) DO UPDATE SET
			kind=EXCLUDED.kind,
			name=EXCLUDED.name,
			region=EXCLUDED.region,
			payload=EXCLUDED.payload,
			archive_key=EXCLUDED.archive_key,
			last_seen=NOW()
	`, r.ID, r.Provider, r.Kind, r.ExternalID, r.Name, r.Region, r.Payload, r.ArchiveKey)
	if err != nil {
		return fmt.Errorf("upsert discovered resource: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDiscoveredResources(ctx context.Context, provider string, limit int) ([]DiscoveredResource, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, provider, kind, external_id, name, region, payload, archive_key, first_seen, last_seen
		FROM discovered_resources`
	args := []any{}
	if provider != "" {
		query += ` WHERE provider=$1`
		args = append(args, provider)
	}
	query += fmt.Sprintf(` ORDER BY last_seen DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list discovered resources: %w", err)
	}
	defer rows.Close()

	var result []DiscoveredResource
	for rows.Next() {
		var r DiscoveredResource
		if err := rows.Scan(&r.ID, &r.Provider, &r.Kind, &r.ExternalID, &r.Name,
			&r.Region, &r.Payload, &r.ArchiveKey, &r.FirstSeen, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("scan discovered resource: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- api tokens ---

func (s *PostgresStore) InsertAPIToken(ctx context.Context, t APIToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, name, prefix, hash) VALUES ($1, $2, $3, $4)
	`, t.ID, t.Name, t.Prefix, t.Hash)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAPITokenByPrefix(ctx context.Context, prefix string) (APIToken, error) {
	var t APIToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, prefix, hash, created_at, last_used_at
		FROM api_tokens WHERE prefix=$1
	`, prefix).Scan(&t.ID, &t.Name, &t.Prefix, &t.Hash, &t.CreatedAt, &t.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return APIToken{}, ErrNotFound
	}
	if err != nil {
		return APIToken{}, fmt.Errorf("get api token: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListAPITokens(ctx context.Context) ([]APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, prefix, hash, created_at, last_used_at
		FROM api_tokens ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list api tokens: %w", err)
	}
	defer rows.Close()

	var result []APIToken
	for rows.Next() {
		var t APIToken
		if err := rows.Scan(&t.ID, &t.Name, &t.Prefix, &t.Hash, &t.CreatedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (s *PostgresStore) DeleteAPIToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete api token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchAPIToken(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_tokens SET last_used_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return nil
}
