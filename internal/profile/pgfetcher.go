package profile

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PGFetcher reads profile summaries from the profiles projection table.
// Strictly read-only: the messaging core never writes profile rows.
type PGFetcher struct {
	db *sql.DB
}

// NewPGFetcher creates a fetcher over the given database handle.
func NewPGFetcher(db *sql.DB) *PGFetcher {
	return &PGFetcher{db: db}
}

// FetchProfiles returns summaries for the given ids in one query. Unknown
// ids are simply absent from the result.
func (f *PGFetcher) FetchProfiles(ctx context.Context, ids []string) (map[string]Summary, error) {
	const query = `
		SELECT id, display_name, avatar_ref
		FROM profiles
		WHERE id = ANY($1)`

	rows, err := f.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("profile: query: %w", err)
	}
	defer rows.Close()

	result := make(map[string]Summary, len(ids))
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.ID, &s.DisplayName, &s.AvatarRef); err != nil {
			return nil, fmt.Errorf("profile: scan: %w", err)
		}
		result[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("profile: rows: %w", err)
	}
	return result, nil
}
