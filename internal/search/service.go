package search

import (
	"context"
	"log"
	"time"

	"needtotell/api/internal/store"
)

type primaryIndex interface {
	Searcher
	Indexer
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]NeedRecord, error)
}

type fallbackSearcher interface {
	Searcher
	recordLoader
}

// Service tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  primaryIndex
	fallback fallbackSearcher
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func RecordFromNeed(n store.Need) NeedRecord {
	return NeedRecord{
		ID:          n.ID,
		Body:        n.Body,
		SharingCode: n.SharingCode,
		CreatedAt:   n.CreatedAt.Unix(),
	}
}

// IndexNeed pushes one need to Meilisearch without blocking the caller.
func (s *Service) IndexNeed(n store.Need) {
	if !s.primaryHealthy() {
		return
	}
	record := RecordFromNeed(n)
	go func() {
		if err := s.primary.IndexNeeds([]NeedRecord{record}); err != nil {
			log.Printf("search: index need %s: %v", record.ID, err)
		}
	}()
}

// ReindexAllFromPG copies every need from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryHealthy() || s.fallback == nil {
		return
	}
	started := time.Now()
	needs, err := s.fallback.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.primary.IndexNeeds(needs); err != nil {
		log.Printf("search: reindex needs: %v", err)
		return
	}
	log.Printf("search: reindexed %d needs in %s", len(needs), time.Since(started).Round(time.Millisecond))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
