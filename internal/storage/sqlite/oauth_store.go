package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/membank/membank/internal/storage"
)

// UpsertClient registers or refreshes an OAuth client.
func (s *Store) UpsertClient(ctx context.Context, client *storage.OAuthClient) error {
	if client == nil || client.ID == "" {
		return fmt.Errorf("%w: client ID is required", storage.ErrInvalidInput)
	}
	uris, err := json.Marshal(client.RedirectURIs)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect URIs: %w", err)
	}
	scopes, err := json.Marshal(client.AllowedScopes)
	if err != nil {
		return fmt.Errorf("failed to marshal allowed scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (id, secret_hash, redirect_uris, allowed_scopes, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			redirect_uris = excluded.redirect_uris,
			allowed_scopes = excluded.allowed_scopes,
			name = excluded.name`,
		client.ID, client.SecretHash, string(uris), string(scopes), client.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: upsert client: %w", err)
	}
	return nil
}

// GetClient retrieves an OAuth client by ID.
func (s *Store) GetClient(ctx context.Context, id string) (*storage.OAuthClient, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: client ID is required", storage.ErrInvalidInput)
	}
	var (
		c      storage.OAuthClient
		uris   string
		scopes string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, secret_hash, redirect_uris, allowed_scopes, name, created_at FROM oauth_clients WHERE id = ?`, id).
		Scan(&c.ID, &c.SecretHash, &uris, &scopes, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("unmarshal redirect URIs for %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(scopes), &c.AllowedScopes); err != nil {
		return nil, fmt.Errorf("unmarshal allowed scopes for %s: %w", id, err)
	}
	return &c, nil
}

// StoreAuthorizationCode persists a freshly issued code.
func (s *Store) StoreAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("%w: code is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_authorization_codes (code, client_id, user_id, redirect_uri, scope, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		code.Code, code.ClientID, code.UserID, code.RedirectURI, code.Scope,
		code.ExpiresAt.UTC(), code.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: code already exists", storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: store authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically marks the code used and returns it.
// The single conditional UPDATE guarantees exactly one redeemer wins when
// the same code is presented concurrently.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: code is required", storage.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_authorization_codes SET used = 1
		WHERE code = ? AND used = 0 AND expires_at > ?`,
		code, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("sqlite: consume authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish already-used from unknown/expired for the caller's
		// RFC 6749 error mapping.
		var used int
		err := s.db.QueryRowContext(ctx,
			`SELECT used FROM oauth_authorization_codes WHERE code = ?`, code).Scan(&used)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("sqlite: consume authorization code lookup: %w", err)
		}
		if used != 0 {
			return nil, fmt.Errorf("%w: authorization code already used", storage.ErrConflict)
		}
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrNotFound)
	}

	var (
		c        storage.AuthorizationCode
		usedFlag int
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT code, client_id, user_id, redirect_uri, scope, expires_at, used, created_at
		FROM oauth_authorization_codes WHERE code = ?`, code).
		Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.ExpiresAt, &usedFlag, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("sqlite: consume authorization code read: %w", err)
	}
	c.Used = usedFlag != 0
	return &c, nil
}

// StoreToken persists an issued access token.
func (s *Store) StoreToken(ctx context.Context, token *storage.AccessToken) error {
	if token == nil || token.Token == "" {
		return fmt.Errorf("%w: token is required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (token, client_id, user_id, scope, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		token.Token, token.ClientID, token.UserID, token.Scope,
		token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: token already exists", storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: store token: %w", err)
	}
	return nil
}

// GetToken retrieves a non-expired, non-revoked token.
func (s *Store) GetToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", storage.ErrInvalidInput)
	}
	var t storage.AccessToken
	err := s.db.QueryRowContext(ctx, `
		SELECT token, client_id, user_id, scope, expires_at, created_at
		FROM oauth_tokens
		WHERE token = ? AND revoked = 0 AND expires_at > ?`,
		token, time.Now().UTC()).
		Scan(&t.Token, &t.ClientID, &t.UserID, &t.Scope, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: token", storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get token: %w", err)
	}
	return &t, nil
}

// RevokeToken marks an issued token revoked.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", storage.ErrInvalidInput)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_tokens SET revoked = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("sqlite: revoke token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: token", storage.ErrNotFound)
	}
	return nil
}

// DeleteExpired removes expired codes and tokens.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM oauth_authorization_codes WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete expired codes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = s.db.ExecContext(ctx,
		`DELETE FROM oauth_tokens WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return total, fmt.Errorf("sqlite: delete expired tokens: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}
