package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/sqlite"
	"github.com/membank/membank/pkg/types"
)

const (
	testUserID   = "user_alice"
	testClientID = "cli_desktop"
	testSecret   = "s3cret"
	testRedirect = "https://app.example.com/callback"
)

// countingVerifier wraps a StaticVerifier and counts Verify calls so tests
// can assert on session caching.
type countingVerifier struct {
	inner IdentityVerifier

	mu    sync.Mutex
	calls int
}

func (v *countingVerifier) Verify(ctx context.Context, credential string) (*Identity, error) {
	v.mu.Lock()
	v.calls++
	v.mu.Unlock()
	return v.inner.Verify(ctx, credential)
}

func (v *countingVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func newTestBroker(t *testing.T) (*Broker, *sqlite.Store, *countingVerifier) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.UpsertUser(ctx, &types.User{ID: testUserID, Email: "alice@example.com", Name: "Alice"}))
	require.NoError(t, store.UpsertClient(ctx, &storage.OAuthClient{
		ID:            testClientID,
		SecretHash:    HashSecret(testSecret),
		RedirectURIs:  []string{testRedirect},
		AllowedScopes: []string{"memories:read", "memories:write"},
		Name:          "Desktop client",
		CreatedAt:     time.Now().UTC(),
	}))

	verifier := &countingVerifier{inner: &StaticVerifier{Identities: map[string]Identity{
		"idp-token-alice": {UserID: testUserID, Email: "alice@example.com", Name: "Alice"},
	}}}
	return NewBroker(store, verifier, logger), store, verifier
}

func TestBearerCredentialParsing(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer  abc ", "abc", true},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"Basic abc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := bearerCredential(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, got, tt.header)
	}
}

func TestAuthenticateWithAccessToken(t *testing.T) {
	broker, store, _ := newTestBroker(t)
	ctx := context.Background()

	token, err := NewAccessToken()
	require.NoError(t, err)
	require.NoError(t, store.StoreToken(ctx, &storage.AccessToken{
		Token:     token,
		ClientID:  testClientID,
		UserID:    testUserID,
		ExpiresAt: time.Now().Add(time.Hour),
		CreatedAt: time.Now(),
	}))

	userID, err := broker.Authenticate(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, testUserID, userID)

	_, err = broker.Authenticate(ctx, "Bearer "+TokenPrefix+"unknown")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = broker.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	broker, store, _ := newTestBroker(t)
	ctx := context.Background()

	token, err := NewAccessToken()
	require.NoError(t, err)
	require.NoError(t, store.StoreToken(ctx, &storage.AccessToken{
		Token:     token,
		ClientID:  testClientID,
		UserID:    testUserID,
		ExpiresAt: time.Now().Add(-time.Minute),
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	_, err = broker.Authenticate(ctx, "Bearer "+token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateIdPPath(t *testing.T) {
	broker, store, verifier := newTestBroker(t)
	ctx := context.Background()

	userID, err := broker.Authenticate(ctx, "Bearer idp-token-alice")
	require.NoError(t, err)
	assert.Equal(t, testUserID, userID)
	assert.Equal(t, 1, verifier.count())

	// Verified identities are upserted as tenants.
	user, err := store.GetUser(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	// Second call within the session TTL hits the cache.
	_, err = broker.Authenticate(ctx, "Bearer idp-token-alice")
	require.NoError(t, err)
	assert.Equal(t, 1, verifier.count())

	// After the TTL the credential is re-verified.
	broker.now = func() time.Time { return time.Now().Add(sessionTTL + time.Minute) }
	_, err = broker.Authenticate(ctx, "Bearer idp-token-alice")
	require.NoError(t, err)
	assert.Equal(t, 2, verifier.count())

	_, err = broker.Authenticate(ctx, "Bearer idp-token-mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateWithoutVerifier(t *testing.T) {
	_, store, _ := newTestBroker(t)
	broker := NewBroker(store, nil, zaptest.NewLogger(t))

	_, err := broker.Authenticate(context.Background(), "Bearer idp-token-alice")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAccessTokenFormat(t *testing.T) {
	a, err := NewAccessToken()
	require.NoError(t, err)
	b, err := NewAccessToken()
	require.NoError(t, err)

	assert.True(t, len(a) >= len(TokenPrefix)+32)
	assert.Contains(t, a, TokenPrefix)
	assert.NotEqual(t, a, b)
}
