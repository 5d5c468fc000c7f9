package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/membank/membank/internal/storage"
)

// SearchMemories performs FTS5-backed full-text search over the user's
// memories.
//
// The FTS5 virtual table (memories_fts) is kept in sync with the memories
// table via INSERT/UPDATE/DELETE triggers installed by the fts_tables
// migration, so a committed write is immediately searchable.
//
// FTS5 rank values are negative (more negative == better match); scores are
// normalized against the best match in the result set so callers see [0, 1].
func (s *Store) SearchMemories(ctx context.Context, userID string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return []storage.SearchResult{}, nil
	}

	ftsQuery := sanitiseFTSQuery(opts.Query)
	if ftsQuery == "" {
		return []storage.SearchResult{}, nil
	}

	where := []string{"memories_fts MATCH ?", "m.user_id = ?"}
	args := []interface{}{ftsQuery, userID}
	if !opts.IncludeArchived {
		where = append(where, "m.is_archived = 0")
	}
	if opts.MemoryType != "" {
		where = append(where, "m.memory_type = ?")
		args = append(args, opts.MemoryType)
	}
	args = append(args, opts.Limit, opts.Offset)

	query := fmt.Sprintf(`
		SELECT m.id, rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE %s
		ORDER BY rank, m.id ASC
		LIMIT ? OFFSET ?`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 can still error on input that slipped past sanitisation.
		return nil, fmt.Errorf("sqlite: SearchMemories MATCH %q: %w", opts.Query, err)
	}
	defer rows.Close()

	return scanSearchResults(rows)
}

// SearchEntities performs FTS5-backed full-text search over the user's
// entities.
func (s *Store) SearchEntities(ctx context.Context, userID string, opts storage.SearchOptions) ([]storage.SearchResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	if strings.TrimSpace(opts.Query) == "" {
		return []storage.SearchResult{}, nil
	}

	ftsQuery := sanitiseFTSQuery(opts.Query)
	if ftsQuery == "" {
		return []storage.SearchResult{}, nil
	}

	where := []string{"entities_fts MATCH ?", "e.user_id = ?"}
	args := []interface{}{ftsQuery, userID}
	if !opts.IncludeArchived {
		where = append(where, "e.is_archived = 0")
	}
	args = append(args, opts.Limit, opts.Offset)

	query := fmt.Sprintf(`
		SELECT e.id, rank
		FROM entities_fts fts
		JOIN entities e ON e.rowid = fts.rowid
		WHERE %s
		ORDER BY rank, e.id ASC
		LIMIT ? OFFSET ?`, strings.Join(where, " AND "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: SearchEntities MATCH %q: %w", opts.Query, err)
	}
	defer rows.Close()

	return scanSearchResults(rows)
}

func scanSearchResults(rows interface {
	Next() bool
	Scan(...interface{}) error
	Err() error
}) ([]storage.SearchResult, error) {
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

	// Normalize against the best (most negative) rank in this result set.
	best := -hits[0].rank
	if best <= 0 {
		best = 1
	}
	out := make([]storage.SearchResult, 0, len(hits))
	for _, h := range hits {
		score := -h.rank / best
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

// sanitiseFTSQuery converts free-form user input into a simple prefix query
// that searches for each word individually (OR semantics). FTS5 syntax is
// powerful but fragile: an unbalanced quote or stray operator keyword causes
// "fts5: syntax error".
func sanitiseFTSQuery(query string) string {
	// Strip FTS5 special characters.
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	// Filter stop words that carry no discriminative value.
	stopWords := map[string]bool{
		"a": true, "an": true, "the": true,
		"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
		"have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true,
		"will": true, "would": true, "could": true, "should": true,
		"may": true, "might": true, "shall": true, "can": true,
		"to": true, "of": true, "in": true, "on": true, "at": true,
		"by": true, "for": true, "with": true, "from": true, "as": true,
		"about": true, "into": true, "through": true, "during": true,
		"before": true, "after": true, "above": true, "below": true,
		"between": true, "out": true, "off": true, "over": true, "under": true,
		"what": true, "how": true, "when": true, "where": true, "why": true,
		"who": true, "which": true,
		"this": true, "that": true, "these": true, "those": true,
		"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
		"and": true, "or": true, "but": true, "if": true, "not": true,
		"s": true, "t": true, // post-apostrophe fragments e.g. "MJ's" → "MJ" + "s"
	}

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	if len(terms) == 0 {
		// All words were stop words — fall back to the lowercased cleaned
		// text so FTS5 does not interpret uppercase AND/OR/NOT as operators.
		return strings.ToLower(strings.TrimSpace(cleaned))
	}

	return strings.Join(terms, " OR ")
}
