package search

import (
	"context"
	"log"

	"elder/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func docOf(r store.Record) RecordDoc {
	return RecordDoc{
		ID:       r.ID,
		OrgID:    r.OrgID,
		Title:    r.Title,
		Body:     r.Body,
		State:    r.State,
		Labels:   r.Labels,
		Assignee: r.Assignee,
	}
}

// IndexRecord indexes a record (fire-and-forget to Meilisearch). Postgres
// FTS needs no indexing call; the tsvector column is generated.
func (s *Service) IndexRecord(r store.Record) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	doc := docOf(r)
	go func() {
		if err := s.meili.IndexRecord(doc); err != nil {
			log.Printf("search: index record %s: %v", doc.ID, err)
		}
	}()
}

// DeleteRecord removes a record from the search index (fire-and-forget).
func (s *Service) DeleteRecord(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteRecord(id); err != nil {
			log.Printf("search: delete record %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every live record from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	docs, err := s.pgfts.LoadAllDocs(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexRecords(docs); err != nil {
		log.Printf("search: reindex records: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
