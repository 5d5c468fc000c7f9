package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/membank/membank/internal/storage"
)

// SearchMemories performs tsvector-backed full-text search over the user's
// memories. The fts column is STORED GENERATED, so it is always consistent
// with the base row. ts_rank values are normalized against the best match in
// the result set so callers see [0, 1], matching the sqlite backend.
func (s *Store) SearchMemories(ctx context.Context, userID string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return []storage.SearchResult{}, nil
	}

	where := []string{
		"fts @@ plainto_tsquery('english', $1)",
		"user_id = $2",
	}
	args := []interface{}{opts.Query, userID}
	if !opts.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}
	if opts.MemoryType != "" {
		args = append(args, opts.MemoryType)
		where = append(where, fmt.Sprintf("memory_type = $%d", len(args)))
	}

	query := fmt.Sprintf(`
		SELECT id, ts_rank(fts, plainto_tsquery('english', $1)) AS rank
		FROM memories
		WHERE %s
		ORDER BY rank DESC, id ASC
		LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: SearchMemories %q: %w", opts.Query, err)
	}
	defer rows.Close()

	return scanSearchResults(rows)
}

// SearchEntities performs tsvector-backed full-text search over the user's
// entities.
func (s *Store) SearchEntities(ctx context.Context, userID string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return []storage.SearchResult{}, nil
	}

	where := []string{
		"fts @@ plainto_tsquery('english', $1)",
		"user_id = $2",
	}
	args := []interface{}{opts.Query, userID}
	if !opts.IncludeArchived {
		where = append(where, "is_archived = FALSE")
	}

	query := fmt.Sprintf(`
		SELECT id, ts_rank(fts, plainto_tsquery('english', $1)) AS rank
		FROM entities
		WHERE %s
		ORDER BY rank DESC, id ASC
		LIMIT $%d OFFSET $%d`,
		strings.Join(where, " AND "), len(args)+1, len(args)+2)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: SearchEntities %q: %w", opts.Query, err)
	}
	defer rows.Close()

	return scanSearchResults(rows)
}

func scanSearchResults(rows *sql.Rows) ([]storage.SearchResult, error) {
	type ranked struct {
		id   string
		rank float64
	}
	var hits []ranked
	for rows.Next() {
		var h ranked
		if err := rows.Scan(&h.id, &h.rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []storage.SearchResult{}, nil
	}

	best := hits[0].rank
	if best <= 0 {
		best = 1
	}
	out := make([]storage.SearchResult, 0, len(hits))
	for _, h := range hits {
		score := h.rank / best
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		out = append(out, storage.SearchResult{ID: h.id, Score: score})
	}
	return out, nil
}
