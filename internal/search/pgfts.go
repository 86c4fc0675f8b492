package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The records table carries a generated tsvector column over title and body.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "r.fts @@ plainto_tsquery('english', $1) AND r.deleted_at IS NULL"
	args := []any{q.Text}
	argN := 2
	if q.FilterOrgID != "" {
		where += fmt.Sprintf(" AND r.org_id = $%d", argN)
		args = append(args, q.FilterOrgID)
		argN++
	}
	if q.FilterState != "" {
		where += fmt.Sprintf(" AND r.state = $%d", argN)
		args = append(args, q.FilterState)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM records r WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT r.id, r.title,
			ts_headline('english', coalesce(r.body, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			r.state, r.org_id
		FROM records r
		WHERE %s
		ORDER BY ts_rank(r.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.State, &r.OrgID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllDocs returns every live record for full reindexing.
func (p *PgFTS) LoadAllDocs(ctx context.Context) ([]RecordDoc, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, org_id, title, body, state, coalesce(labels::text, '[]'), assignee
		FROM records
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	docs := make([]RecordDoc, 0)
	for rows.Next() {
		var d RecordDoc
		var labels string
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Title, &d.Body, &d.State, &labels, &d.Assignee); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		d.Labels = parseLabels(labels)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return docs, nil
}

// parseLabels decodes the JSONB labels column.
func parseLabels(raw string) []string {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
