package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

// UpsertUser creates the user if absent, or refreshes email and name.
// Emails are unique case-insensitively across users.
func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at`,
		user.ID, user.Email, user.Name, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: email %s is already registered", storage.ErrConflict, user.Email)
		}
		return fmt.Errorf("postgres: upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	var u types.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// RecordUsage adds tokens and cost to the (userID, provider, day) row.
func (s *Store) RecordUsage(ctx context.Context, userID, provider string, day time.Time, tokens int64, cost float64) error {
	if userID == "" || provider == "" {
		return fmt.Errorf("%w: user ID and provider are required", storage.ErrInvalidInput)
	}
	day = day.UTC().Truncate(24 * time.Hour)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_usage_tracking (user_id, provider, date, tokens, cost)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, provider, date) DO UPDATE SET
			tokens = api_usage_tracking.tokens + EXCLUDED.tokens,
			cost = api_usage_tracking.cost + EXCLUDED.cost`,
		userID, provider, day, tokens, cost)
	if err != nil {
		return fmt.Errorf("postgres: record usage: %w", err)
	}
	return nil
}

// GetUsage returns the user's usage rows between from and to inclusive.
func (s *Store) GetUsage(ctx context.Context, userID string, from, to time.Time) ([]types.APIUsage, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, provider, date, tokens, cost
		FROM api_usage_tracking
		WHERE user_id = $1 AND date >= $2 AND date <= $3
		ORDER BY date ASC, provider ASC`,
		userID, from.UTC().Truncate(24*time.Hour), to.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("postgres: get usage: %w", err)
	}
	defer rows.Close()

	var out []types.APIUsage
	for rows.Next() {
		var u types.APIUsage
		if err := rows.Scan(&u.UserID, &u.Provider, &u.Date, &u.Tokens, &u.Cost); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
