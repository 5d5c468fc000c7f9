package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	for _, u := range []string{"alice", "bob"} {
		require.NoError(t, s.UpsertUser(ctx, &types.User{ID: u, Email: u + "@example.com"}))
	}
	return s
}

func testMemory(userID, id, content string) *types.Memory {
	now := time.Now().UTC()
	return &types.Memory{
		ID:         id,
		UserID:     userID,
		Content:    content,
		MemoryType: types.MemoryTypeMemory,
		Importance: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem := testMemory("alice", "mem_1", "met with the platform team")
	mem.Title = "platform sync"
	mem.Tags = []string{"work", "platform"}
	mem.Embedding = []float32{0.1, 0.2, 0.3}
	mem.Metadata = types.Metadata{Source: "manual"}

	require.NoError(t, s.StoreMemory(ctx, "alice", mem))

	got, err := s.GetMemory(ctx, "alice", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, mem.Content, got.Content)
	assert.Equal(t, mem.Tags, got.Tags)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, "manual", got.Metadata.Source)

	got.Content = "met with the platform team about rollout"
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateMemory(ctx, "alice", got))

	got2, err := s.GetMemory(ctx, "alice", "mem_1")
	require.NoError(t, err)
	assert.Contains(t, got2.Content, "rollout")

	require.NoError(t, s.DeleteMemory(ctx, "alice", "mem_1"))
	_, err = s.GetMemory(ctx, "alice", "mem_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "alice", testMemory("alice", "mem_dup", "first")))
	err := s.StoreMemory(ctx, "alice", testMemory("alice", "mem_dup", "second"))
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestUserIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "alice", testMemory("alice", "mem_a", "alice's secret project")))
	require.NoError(t, s.StoreMemory(ctx, "bob", testMemory("bob", "mem_b", "bob's grocery list")))

	tests := []struct {
		name string
		op   func() error
	}{
		{"get", func() error { _, err := s.GetMemory(ctx, "bob", "mem_a"); return err }},
		{"update", func() error {
			m := testMemory("alice", "mem_a", "hijacked")
			return s.UpdateMemory(ctx, "bob", m)
		}},
		{"delete", func() error { return s.DeleteMemory(ctx, "bob", "mem_a") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op(), storage.ErrNotFound)
		})
	}

	// Listings only see the caller's rows.
	res, err := s.ListMemories(ctx, "bob", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "mem_b", res.Items[0].ID)

	// Search never crosses users either.
	hits, err := s.SearchMemories(ctx, "bob", storage.SearchOptions{Query: "secret project"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRejectsEmptyUserID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ListMemories(ctx, "", storage.ListOptions{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = s.StoreMemory(ctx, "", testMemory("", "mem_x", "orphan"))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = s.GetStatistics(ctx, "")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestFTSParityAfterWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mem := testMemory("alice", "mem_fts", "kubernetes cluster upgrade notes")
	require.NoError(t, s.StoreMemory(ctx, "alice", mem))

	hits, err := s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: "kubernetes"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_fts", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 0.001)

	// Update is reflected immediately.
	mem.Content = "terraform module refactoring"
	mem.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.UpdateMemory(ctx, "alice", mem))

	hits, err = s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: "kubernetes"})
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: "terraform"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Delete removes the row from the index.
	require.NoError(t, s.DeleteMemory(ctx, "alice", "mem_fts"))
	hits, err = s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: "terraform"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchHandlesHostileQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "alice", testMemory("alice", "mem_q", "quarterly budget review")))

	for _, q := range []string{
		`"unbalanced quote`,
		`(dangling AND`,
		`*`,
		`budget OR`,
		`what is the`,
	} {
		_, err := s.SearchMemories(ctx, "alice", storage.SearchOptions{Query: q})
		assert.NoError(t, err, "query %q", q)
	}
}

func TestUpdateEmbeddingAndMissingScan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreMemory(ctx, "alice", testMemory("alice", "mem_e1", "no embedding yet")))
	withEmb := testMemory("alice", "mem_e2", "already embedded")
	withEmb.Embedding = []float32{1, 0}
	require.NoError(t, s.StoreMemory(ctx, "alice", withEmb))
	require.NoError(t, s.StoreMemory(ctx, "bob", testMemory("bob", "mem_e3", "bob's pending one")))

	missing, err := s.FindMemoriesMissingEmbedding(ctx, "", 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(missing))
	for _, m := range missing {
		ids = append(ids, m.ID)
	}
	// Empty userID sweeps all users, oldest first, skipping embedded rows.
	assert.ElementsMatch(t, []string{"mem_e1", "mem_e3"}, ids)

	scoped, err := s.FindMemoriesMissingEmbedding(ctx, "bob", 10)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "mem_e3", scoped[0].ID)

	require.NoError(t, s.UpdateEmbedding(ctx, "alice", "mem_e1", []float32{0.5, 0.5}))

	got, err := s.GetMemory(ctx, "alice", "mem_e1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, got.Embedding)

	missing, err = s.FindMemoriesMissingEmbedding(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, "mem_e3", missing[0].ID)
}

func TestStatisticsScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := testMemory("alice", "mem_s1", "one")
	m1.Embedding = []float32{1}
	require.NoError(t, s.StoreMemory(ctx, "alice", m1))
	m2 := testMemory("alice", "mem_s2", "two")
	m2.MemoryType = types.MemoryTypeDecision
	require.NoError(t, s.StoreMemory(ctx, "alice", m2))
	require.NoError(t, s.StoreMemory(ctx, "bob", testMemory("bob", "mem_s3", "three")))

	stats, err := s.GetStatistics(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 1, stats.WithEmbedding)
	assert.Equal(t, 1, stats.MissingEmbedding)
	assert.Equal(t, 1, stats.MemoriesByType[types.MemoryTypeDecision])
	assert.Equal(t, 0, stats.TotalEntities)
}

func TestEntityCRUDAndInteractions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ent := &types.Entity{
		ID:         "ent_1",
		UserID:     "alice",
		Name:       "Dana Whitfield",
		EntityType: types.EntityTypePerson,
		PersonType: "colleague",
		Company:    "Initech",
		Importance: 0.7,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, s.StoreEntity(ctx, "alice", ent))

	exists, err := s.EntityExists(ctx, "alice", "ent_1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.EntityExists(ctx, "bob", "ent_1")
	require.NoError(t, err)
	assert.False(t, exists)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordInteraction(ctx, "alice", &types.Interaction{
			ID:              "int_" + string(rune('a'+i)),
			UserID:          "alice",
			EntityID:        "ent_1",
			InteractionType: "meeting",
			OccurredAt:      now,
			CreatedAt:       now,
		}))
	}

	got, err := s.GetEntity(ctx, "alice", "ent_1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.InteractionCount)

	// Interactions against another user's entity fail closed.
	err = s.RecordInteraction(ctx, "bob", &types.Interaction{
		ID: "int_x", UserID: "bob", EntityID: "ent_1",
		InteractionType: "call", OccurredAt: now, CreatedAt: now,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	hits, err := s.SearchEntities(ctx, "alice", storage.SearchOptions{Query: "Initech"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "ent_1", hits[0].ID)

	require.NoError(t, s.DeleteEntity(ctx, "alice", "ent_1"))
	_, err = s.GetEntity(ctx, "alice", "ent_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListMemoriesFiltering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1 := testMemory("alice", "mem_l1", "a decision about hiring")
	m1.MemoryType = types.MemoryTypeDecision
	m1.Tags = []string{"hiring"}
	require.NoError(t, s.StoreMemory(ctx, "alice", m1))

	m2 := testMemory("alice", "mem_l2", "an archived note")
	m2.IsArchived = true
	require.NoError(t, s.StoreMemory(ctx, "alice", m2))

	res, err := s.ListMemories(ctx, "alice", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "mem_l1", res.Items[0].ID)

	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)

	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{MemoryType: types.MemoryTypeDecision})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{Tags: []string{"hiring"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)

	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{Tags: []string{"absent"}})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestListMemoriesTagFilterPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Interleave tagged and untagged rows so tagged ones sit past the
	// first unfiltered page window.
	for i := 0; i < 12; i++ {
		m := testMemory("alice", fmt.Sprintf("mem_t%02d", i), fmt.Sprintf("note %d", i))
		m.CreatedAt = base.Add(time.Duration(i) * time.Hour)
		m.UpdatedAt = m.CreatedAt
		if i%2 == 0 {
			m.Tags = []string{"work", "roadmap"}
		}
		require.NoError(t, s.StoreMemory(ctx, "alice", m))
	}

	opts := storage.ListOptions{
		Tags:      []string{"work"},
		Limit:     4,
		SortBy:    "created_at",
		SortOrder: "asc",
	}
	page1, err := s.ListMemories(ctx, "alice", opts)
	require.NoError(t, err)
	assert.Equal(t, 6, page1.Total, "total counts only tagged rows")
	require.Len(t, page1.Items, 4, "page fills to the limit")
	assert.True(t, page1.HasMore)
	for _, m := range page1.Items {
		assert.Contains(t, m.Tags, "work")
	}

	opts.Page = 2
	page2, err := s.ListMemories(ctx, "alice", opts)
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	assert.False(t, page2.HasMore)
	assert.Equal(t, "mem_t10", page2.Items[1].ID)

	// Requiring several tags matches rows carrying all of them.
	res, err := s.ListMemories(ctx, "alice", storage.ListOptions{Tags: []string{"work", "roadmap"}})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Total)

	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{Tags: []string{"work", "absent"}})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestListMemoriesUpdatedAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		m := testMemory("alice", fmt.Sprintf("mem_u%d", i), fmt.Sprintf("entry %d", i))
		m.CreatedAt = base
		m.UpdatedAt = base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.StoreMemory(ctx, "alice", m))
	}

	res, err := s.ListMemories(ctx, "alice", storage.ListOptions{
		UpdatedAfter: base.Add(time.Hour),
		SortBy:       "updated_at",
		SortOrder:    "asc",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "mem_u2", res.Items[0].ID)
	assert.Equal(t, "mem_u3", res.Items[1].ID)

	// The bound is strict; a row updated exactly at the cutoff is excluded.
	res, err = s.ListMemories(ctx, "alice", storage.ListOptions{UpdatedAfter: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
}

func TestUpsertUserEmailConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertUser(ctx, &types.User{ID: "carol", Email: "Alice@Example.com"})
	assert.ErrorIs(t, err, storage.ErrConflict)

	// Re-upserting the same user with its own email stays fine.
	require.NoError(t, s.UpsertUser(ctx, &types.User{ID: "alice", Email: "alice@example.com", Name: "Alice"}))

	u, err := s.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)
}

func TestUsageTracking(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordUsage(ctx, "alice", "openai", day, 100, 0.002))
	require.NoError(t, s.RecordUsage(ctx, "alice", "openai", day.Add(3*time.Hour), 50, 0.001))

	usage, err := s.GetUsage(ctx, "alice", day, day)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, int64(150), usage[0].Tokens)
	assert.InDelta(t, 0.003, usage[0].Cost, 1e-9)

	usage, err = s.GetUsage(ctx, "bob", day, day)
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.14159, 0}
	out, err := deserializeEmbedding(serializeEmbedding(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out, err = deserializeEmbedding(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = deserializeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}
