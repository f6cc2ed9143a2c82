package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks needs with plainto_tsquery/ts_rank. An exact sharing code match ranks first.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	q = normalize(q)

	const where = `btrim(n.body) <> '' AND (n.fts @@ plainto_tsquery('english', $1) OR n.sharing_code = $1)`

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM needs n WHERE `+where, text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT n.id::text,
			ts_headline('english', n.body, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>'),
			n.sharing_code, n.created_at
		FROM needs n
		WHERE `+where+`
		ORDER BY (n.sharing_code = $1) DESC, ts_rank(n.fts, plainto_tsquery('english', $1)) DESC, n.created_at DESC
		LIMIT $2 OFFSET $3
	`, text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.SharingCode, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every non-empty need for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]NeedRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id::text, body, sharing_code, extract(epoch FROM created_at)::bigint
		FROM needs
		WHERE btrim(body) <> ''
	`)
	if err != nil {
		return nil, fmt.Errorf("load needs: %w", err)
	}
	defer rows.Close()

	needs := make([]NeedRecord, 0)
	for rows.Next() {
		var n NeedRecord
		if err := rows.Scan(&n.ID, &n.Body, &n.SharingCode, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan need: %w", err)
		}
		needs = append(needs, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate needs: %w", err)
	}
	return needs, nil
}
