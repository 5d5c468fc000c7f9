package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

// newTestStore connects to the database named by MEMBANK_TEST_POSTGRES_DSN.
// Tests are skipped when the variable is unset so the suite runs without a
// postgres instance.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MEMBANK_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MEMBANK_TEST_POSTGRES_DSN not set")
	}
	s, err := New(dsn, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.UpsertUser(ctx, &types.User{ID: u, Email: u + "@example.com"}))
	}
	return s
}

func TestNullVectorRoundTrip(t *testing.T) {
	v := embeddingValue([]float32{0.1, 0.2})
	assert.True(t, v.Valid)

	empty := embeddingValue(nil)
	assert.False(t, empty.Valid)
	val, err := empty.Value()
	require.NoError(t, err)
	assert.Nil(t, val)

	var scanned nullVector
	require.NoError(t, scanned.Scan(nil))
	assert.False(t, scanned.Valid)

	require.NoError(t, scanned.Scan([]byte("[1,2,3]")))
	assert.True(t, scanned.Valid)
	assert.Equal(t, []float32{1, 2, 3}, scanned.Vector.Slice())
}

func TestPostgresMemoryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mem := &types.Memory{
		ID:         "mem_pg_1",
		UserID:     "alice",
		Content:    "postgres backend smoke test",
		MemoryType: types.MemoryTypeMemory,
		Importance: 0.5,
		Embedding:  []float32{0.1, 0.2, 0.3},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.StoreMemory(ctx, "alice", mem))
	t.Cleanup(func() { _ = s.DeleteMemory(ctx, "alice", "mem_pg_1") })

	got, err := s.GetMemory(ctx, "alice", "mem_pg_1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)

	// Cross-user reads fail closed.
	_, err = s.GetMemory(ctx, "bob", "mem_pg_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	hits, err := s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: "smoke"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "mem_pg_1", hits[0].ID)

	embedded, err := s.ListEmbeddedMemories(ctx, "alice", 10)
	require.NoError(t, err)
	require.NotEmpty(t, embedded)
}

func TestPostgresAuthorizationCodeSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertClient(ctx, &storage.OAuthClient{
		ID:           "client-pg",
		SecretHash:   "deadbeef",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}))
	require.NoError(t, s.StoreAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:        "code-pg",
		ClientID:    "client-pg",
		UserID:      "alice",
		RedirectURI: "https://app.example.com/callback",
		ExpiresAt:   now.Add(10 * time.Minute),
		CreatedAt:   now,
	}))

	got, err := s.ConsumeAuthorizationCode(ctx, "code-pg")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	_, err = s.ConsumeAuthorizationCode(ctx, "code-pg")
	assert.ErrorIs(t, err, storage.ErrConflict)
}
