package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

const memoryColumns = `id, user_id, title, content, memory_type, importance,
	tags, entity_ids, embedding, metadata, is_archived, created_at, updated_at`

// StoreMemory inserts a new memory row scoped to userID.
func (s *Store) StoreMemory(ctx context.Context, userID string, memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if memory.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	if memory.UserID != userID {
		return fmt.Errorf("%w: memory user_id %q does not match caller %q", storage.ErrInvalidInput, memory.UserID, userID)
	}

	tagsJSON, entityIDsJSON, metadataJSON, err := marshalMemoryJSON(memory)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		memory.ID, userID, memory.Title, memory.Content, memory.MemoryType,
		memory.Importance, tagsJSON, entityIDsJSON,
		serializeEmbedding(memory.Embedding), metadataJSON,
		boolToInt(memory.IsArchived), memory.CreatedAt.UTC(), memory.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: memory %s already exists", storage.ErrConflict, memory.ID)
		}
		return fmt.Errorf("sqlite: store memory: %w", err)
	}
	return nil
}

// GetMemory retrieves a memory by ID within the user's scope.
func (s *Store) GetMemory(ctx context.Context, userID, id string) (*types.Memory, error) {
	if userID == "" || id == "" {
		return nil, fmt.Errorf("%w: user ID and memory ID are required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE id = ? AND user_id = ?`, id, userID)

	memory, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get memory: %w", err)
	}
	return memory, nil
}

// ListMemories retrieves the user's memories with pagination and filtering.
func (s *Store) ListMemories(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := []string{"user_id = ?"}
	args := []interface{}{userID}

	if !opts.IncludeArchived {
		where = append(where, "is_archived = 0")
	}
	if opts.MemoryType != "" {
		where = append(where, "memory_type = ?")
		args = append(args, opts.MemoryType)
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, opts.CreatedAfter.UTC())
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, opts.CreatedBefore.UTC())
	}
	if !opts.UpdatedAfter.IsZero() {
		where = append(where, "updated_at > ?")
		args = append(args, opts.UpdatedAfter.UTC())
	}
	// Tag filtering happens in SQL so the count, the page window, and
	// HasMore all share one predicate.
	for _, tag := range opts.Tags {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(COALESCE(memories.tags, '[]')) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}

	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: list memories count: %w", err)
	}

	// SortBy/SortOrder are whitelist-validated by Normalize.
	query := fmt.Sprintf(`
		SELECT %s FROM memories
		WHERE %s
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?`, memoryColumns, whereSQL, opts.SortBy, strings.ToUpper(opts.SortOrder))
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories: %w", err)
	}
	defer rows.Close()

	memories, err := scanMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list memories scan: %w", err)
	}

	out := make([]types.Memory, 0, len(memories))
	for _, m := range memories {
		out = append(out, *m)
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    out,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(memories) < total,
	}, nil
}

// UpdateMemory replaces the stored row for memory.ID within the user's scope.
func (s *Store) UpdateMemory(ctx context.Context, userID string, memory *types.Memory) error {
	if memory == nil || memory.ID == "" || userID == "" {
		return fmt.Errorf("%w: user ID and memory with ID are required", storage.ErrInvalidInput)
	}
	if memory.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}

	tagsJSON, entityIDsJSON, metadataJSON, err := marshalMemoryJSON(memory)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET
			title = ?, content = ?, memory_type = ?, importance = ?,
			tags = ?, entity_ids = ?, embedding = ?, metadata = ?,
			is_archived = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		memory.Title, memory.Content, memory.MemoryType, memory.Importance,
		tagsJSON, entityIDsJSON, serializeEmbedding(memory.Embedding), metadataJSON,
		boolToInt(memory.IsArchived), memory.UpdatedAt.UTC(),
		memory.ID, userID)
	if err != nil {
		return fmt.Errorf("sqlite: update memory: %w", err)
	}
	return requireRow(res, memory.ID)
}

// DeleteMemory hard-deletes a memory within the user's scope.
func (s *Store) DeleteMemory(ctx context.Context, userID, id string) error {
	if userID == "" || id == "" {
		return fmt.Errorf("%w: user ID and memory ID are required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: delete memory: %w", err)
	}
	return requireRow(res, id)
}

// UpdateEmbedding writes just the embedding column and bumps updated_at.
func (s *Store) UpdateEmbedding(ctx context.Context, userID, id string, embedding []float32) error {
	if userID == "" || id == "" {
		return fmt.Errorf("%w: user ID and memory ID are required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		serializeEmbedding(embedding), time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: update embedding: %w", err)
	}
	return requireRow(res, id)
}

// embeddedCandidateCap bounds how many embeddings a single recall loads into
// memory. Newest-first selection means recent memories are always considered.
const embeddedCandidateCap = 10_000

// ListEmbeddedMemories returns up to limit of the user's non-archived
// memories carrying an embedding, newest first.
func (s *Store) ListEmbeddedMemories(ctx context.Context, userID string, limit int) ([]*types.Memory, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if limit < 1 || limit > embeddedCandidateCap {
		limit = embeddedCandidateCap
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM memories
		WHERE user_id = ? AND embedding IS NOT NULL AND is_archived = 0
		ORDER BY created_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list embedded memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// FindMemoriesMissingEmbedding returns up to limit non-archived memories
// without an embedding, oldest first. An empty userID sweeps all users,
// which only the background worker does.
func (s *Store) FindMemoriesMissingEmbedding(ctx context.Context, userID string, limit int) ([]*types.Memory, error) {
	if limit < 1 {
		limit = 10
	}
	query := `
		SELECT ` + memoryColumns + `
		FROM memories
		WHERE embedding IS NULL AND is_archived = 0`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += `
		ORDER BY created_at ASC
		LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find missing embeddings: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// GetStatistics computes the user's aggregate counts with the user filter
// applied at the SQL level.
func (s *Store) GetStatistics(ctx context.Context, userID string) (*storage.Statistics, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	stats := &storage.Statistics{
		MemoriesByType: make(map[string]int),
		EntitiesByType: make(map[string]int),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN embedding IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_archived = 1 THEN 1 ELSE 0 END), 0)
		FROM memories WHERE user_id = ?`, userID).
		Scan(&stats.TotalMemories, &stats.WithEmbedding, &stats.ArchivedMemories)
	if err != nil {
		return nil, fmt.Errorf("sqlite: statistics memories: %w", err)
	}
	stats.MissingEmbedding = stats.TotalMemories - stats.WithEmbedding

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_type, COUNT(*) FROM memories WHERE user_id = ? GROUP BY memory_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: statistics memory types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		var n int
		if err := rows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.MemoriesByType[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	erows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities WHERE user_id = ? GROUP BY entity_type`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: statistics entity types: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var t string
		var n int
		if err := erows.Scan(&t, &n); err != nil {
			return nil, err
		}
		stats.EntitiesByType[t] = n
		stats.TotalEntities += n
	}
	if err := erows.Err(); err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions WHERE user_id = ?`, userID).
		Scan(&stats.TotalInteractions)
	if err != nil {
		return nil, fmt.Errorf("sqlite: statistics interactions: %w", err)
	}

	return stats, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var (
		m             types.Memory
		tagsJSON      sql.NullString
		entityJSON    sql.NullString
		metadataJSON  sql.NullString
		embeddingBlob []byte
		archived      int
	)
	err := row.Scan(&m.ID, &m.UserID, &m.Title, &m.Content, &m.MemoryType,
		&m.Importance, &tagsJSON, &entityJSON, &embeddingBlob, &metadataJSON,
		&archived, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.IsArchived = archived != 0

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &m.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for %s: %w", m.ID, err)
		}
	}
	if entityJSON.Valid && entityJSON.String != "" {
		if err := json.Unmarshal([]byte(entityJSON.String), &m.EntityIDs); err != nil {
			return nil, fmt.Errorf("unmarshal entity_ids for %s: %w", m.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", m.ID, err)
		}
	}
	if m.Embedding, err = deserializeEmbedding(embeddingBlob); err != nil {
		return nil, fmt.Errorf("embedding for %s: %w", m.ID, err)
	}
	return &m, nil
}

func scanMemories(rows *sql.Rows) ([]*types.Memory, error) {
	var memories []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func marshalMemoryJSON(memory *types.Memory) (tags, entityIDs, metadata interface{}, err error) {
	if len(memory.Tags) > 0 {
		b, err := json.Marshal(memory.Tags)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		tags = string(b)
	}
	if len(memory.EntityIDs) > 0 {
		b, err := json.Marshal(memory.EntityIDs)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal entity_ids: %w", err)
		}
		entityIDs = string(b)
	}
	if !memory.Metadata.IsZero() {
		b, err := json.Marshal(memory.Metadata)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	return tags, entityIDs, metadata, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return nil
}

// isUniqueViolation matches the driver's primary-key violation message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

