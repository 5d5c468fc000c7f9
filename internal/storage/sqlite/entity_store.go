package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

const entityColumns = `id, user_id, name, entity_type, person_type, email,
	phone, company, title, website, notes, importance, tags,
	interaction_count, metadata, is_archived, created_at, updated_at`

// StoreEntity inserts a new entity row scoped to userID.
func (s *Store) StoreEntity(ctx context.Context, userID string, entity *types.Entity) error {
	if entity == nil {
		return storage.ErrInvalidInput
	}
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if entity.ID == "" {
		return fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}
	if entity.UserID != userID {
		return fmt.Errorf("%w: entity user_id %q does not match caller %q", storage.ErrInvalidInput, entity.UserID, userID)
	}

	tagsJSON, metadataJSON, err := marshalEntityJSON(entity)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, userID, entity.Name, entity.EntityType, entity.PersonType,
		entity.Email, entity.Phone, entity.Company, entity.Title,
		entity.Website, entity.Notes, entity.Importance, tagsJSON,
		entity.InteractionCount, metadataJSON, boolToInt(entity.IsArchived),
		entity.CreatedAt.UTC(), entity.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: entity %s already exists", storage.ErrConflict, entity.ID)
		}
		return fmt.Errorf("sqlite: store entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID within the user's scope.
func (s *Store) GetEntity(ctx context.Context, userID, id string) (*types.Entity, error) {
	if userID == "" || id == "" {
		return nil, fmt.Errorf("%w: user ID and entity ID are required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE id = ? AND user_id = ?`, id, userID)

	entity, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entity: %w", err)
	}
	return entity, nil
}

// ListEntities retrieves the user's entities with pagination and filtering.
func (s *Store) ListEntities(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Entity], error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	opts.Normalize()

	where := []string{"user_id = ?"}
	args := []interface{}{userID}

	if !opts.IncludeArchived {
		where = append(where, "is_archived = 0")
	}
	if opts.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, opts.EntityType)
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
	for _, tag := range opts.Tags {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(COALESCE(entities.tags, '[]')) WHERE json_each.value = ?)`)
		args = append(args, tag)
	}

	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE `+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: list entities count: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM entities
		WHERE %s
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?`, entityColumns, whereSQL, opts.SortBy, strings.ToUpper(opts.SortOrder))
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list entities: %w", err)
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: list entities scan: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.Entity]{
		Items:    entities,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(entities) < total,
	}, nil
}

// UpdateEntity replaces the stored row for entity.ID within the user's scope.
func (s *Store) UpdateEntity(ctx context.Context, userID string, entity *types.Entity) error {
	if entity == nil || entity.ID == "" || userID == "" {
		return fmt.Errorf("%w: user ID and entity with ID are required", storage.ErrInvalidInput)
	}
	if entity.Name == "" {
		return fmt.Errorf("%w: entity name is required", storage.ErrInvalidInput)
	}

	tagsJSON, metadataJSON, err := marshalEntityJSON(entity)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE entities SET
			name = ?, entity_type = ?, person_type = ?, email = ?, phone = ?,
			company = ?, title = ?, website = ?, notes = ?, importance = ?,
			tags = ?, metadata = ?, is_archived = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		entity.Name, entity.EntityType, entity.PersonType, entity.Email,
		entity.Phone, entity.Company, entity.Title, entity.Website,
		entity.Notes, entity.Importance, tagsJSON, metadataJSON,
		boolToInt(entity.IsArchived), entity.UpdatedAt.UTC(),
		entity.ID, userID)
	if err != nil {
		return fmt.Errorf("sqlite: update entity: %w", err)
	}
	return requireRow(res, entity.ID)
}

// DeleteEntity hard-deletes an entity within the user's scope. Interactions
// cascade; memory entity_ids references are weak and left dangling.
func (s *Store) DeleteEntity(ctx context.Context, userID, id string) error {
	if userID == "" || id == "" {
		return fmt.Errorf("%w: user ID and entity ID are required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM entities WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: delete entity: %w", err)
	}
	return requireRow(res, id)
}

// EntityExists reports whether the entity exists in the user's scope.
func (s *Store) EntityExists(ctx context.Context, userID, id string) (bool, error) {
	if userID == "" || id == "" {
		return false, fmt.Errorf("%w: user ID and entity ID are required", storage.ErrInvalidInput)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE id = ? AND user_id = ?`, id, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: entity exists: %w", err)
	}
	return n > 0, nil
}

// RecordInteraction appends an interaction row and increments the entity's
// interaction_count in one transaction.
func (s *Store) RecordInteraction(ctx context.Context, userID string, interaction *types.Interaction) error {
	if interaction == nil || userID == "" || interaction.EntityID == "" {
		return fmt.Errorf("%w: user ID and entity ID are required", storage.ErrInvalidInput)
	}
	if interaction.ID == "" {
		return fmt.Errorf("%w: interaction ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: record interaction begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET interaction_count = interaction_count + 1, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		interaction.CreatedAt.UTC(), interaction.EntityID, userID)
	if err != nil {
		return fmt.Errorf("sqlite: record interaction count: %w", err)
	}
	if err := requireRow(res, interaction.EntityID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (id, user_id, entity_id, interaction_type, notes, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		interaction.ID, userID, interaction.EntityID, interaction.InteractionType,
		interaction.Notes, interaction.OccurredAt.UTC(), interaction.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: record interaction insert: %w", err)
	}

	return tx.Commit()
}

func scanEntity(row rowScanner) (*types.Entity, error) {
	var (
		e            types.Entity
		tagsJSON     sql.NullString
		metadataJSON sql.NullString
		archived     int
	)
	err := row.Scan(&e.ID, &e.UserID, &e.Name, &e.EntityType, &e.PersonType,
		&e.Email, &e.Phone, &e.Company, &e.Title, &e.Website, &e.Notes,
		&e.Importance, &tagsJSON, &e.InteractionCount, &metadataJSON,
		&archived, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.IsArchived = archived != 0

	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &e.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for %s: %w", e.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &e.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func marshalEntityJSON(entity *types.Entity) (tags, metadata interface{}, err error) {
	if len(entity.Tags) > 0 {
		b, err := json.Marshal(entity.Tags)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		tags = string(b)
	}
	if !entity.Metadata.IsZero() {
		b, err := json.Marshal(entity.Metadata)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(b)
	}
	return tags, metadata, nil
}
