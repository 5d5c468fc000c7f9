package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank/membank/internal/storage"
)

func seedOAuthClient(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.UpsertClient(context.Background(), &storage.OAuthClient{
		ID:            "client-1",
		SecretHash:    "deadbeef",
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedScopes: []string{"memories:read"},
		Name:          "Test App",
	}))
}

func TestAuthorizationCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	seedOAuthClient(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	code := &storage.AuthorizationCode{
		Code:        "code-abc",
		ClientID:    "client-1",
		UserID:      "alice",
		RedirectURI: "https://app.example.com/callback",
		Scope:       "memories:read",
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}
	require.NoError(t, s.StoreAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, "code-abc")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "memories:read", got.Scope)
	assert.True(t, got.Used)

	// Second redemption loses.
	_, err = s.ConsumeAuthorizationCode(ctx, "code-abc")
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	s := newTestStore(t)
	seedOAuthClient(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.StoreAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:        "code-old",
		ClientID:    "client-1",
		UserID:      "alice",
		RedirectURI: "https://app.example.com/callback",
		ExpiresAt:   now.Add(-time.Minute),
		CreatedAt:   now.Add(-11 * time.Minute),
	}))

	_, err := s.ConsumeAuthorizationCode(ctx, "code-old")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.ConsumeAuthorizationCode(ctx, "never-issued")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	seedOAuthClient(t, s)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.StoreToken(ctx, &storage.AccessToken{
		Token:     "mcp_at_valid",
		ClientID:  "client-1",
		UserID:    "alice",
		Scope:     "memories:read memories:write",
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}))
	require.NoError(t, s.StoreToken(ctx, &storage.AccessToken{
		Token:     "mcp_at_stale",
		ClientID:  "client-1",
		UserID:    "alice",
		ExpiresAt: now.Add(-time.Minute),
		CreatedAt: now.Add(-2 * time.Hour),
	}))

	got, err := s.GetToken(ctx, "mcp_at_valid")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "memories:read memories:write", got.Scope)

	_, err = s.GetToken(ctx, "mcp_at_stale")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.RevokeToken(ctx, "mcp_at_valid"))
	_, err = s.GetToken(ctx, "mcp_at_valid")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, s.RevokeToken(ctx, "never-issued"), storage.ErrNotFound)

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seedOAuthClient(t, s)

	got, err := s.GetClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com/callback"}, got.RedirectURIs)
	assert.Equal(t, []string{"memories:read"}, got.AllowedScopes)

	_, err = s.GetClient(context.Background(), "unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
