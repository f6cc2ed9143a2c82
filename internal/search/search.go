package search

import (
	"context"
	"time"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID          string    `json:"id"`
	Snippet     string    `json:"snippet"`
	SharingCode string    `json:"sharing_code"`
	CreatedAt   time.Time `json:"created_at"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over needs.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push needs into a search index.
type Indexer interface {
	IndexNeeds(needs []NeedRecord) error
}

// NeedRecord is the data we index for a need. Owner ids are never indexed.
type NeedRecord struct {
	ID          string `json:"id"`
	Body        string `json:"body"`
	SharingCode string `json:"sharingCode"`
	CreatedAt   int64  `json:"createdAt"`
}

func (r NeedRecord) createdAt() time.Time {
	return time.Unix(r.CreatedAt, 0).UTC()
}

func normalize(q Query) Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
