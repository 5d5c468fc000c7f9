package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/membank/membank/internal/embedding"
	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/storage/sqlite"
	"github.com/membank/membank/pkg/types"
)

const testUser = "user_alice"

type testEnv struct {
	engine *Engine
	store  *sqlite.Store
	mock   *embedding.MockProvider
	queue  *Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store, err := sqlite.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.UpsertUser(context.Background(), &types.User{
		ID:    testUser,
		Email: "alice@example.com",
		Name:  "Alice",
	}))

	mock := embedding.NewMockProvider()
	queue := NewQueue()
	return &testEnv{
		engine: New(store, mock, queue, logger),
		store:  store,
		mock:   mock,
		queue:  queue,
	}
}

func TestEngineUserIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	const otherUser = "user_bob"
	require.NoError(t, env.store.UpsertUser(ctx, &types.User{
		ID: otherUser, Email: "bob@example.com", Name: "Bob",
	}))

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content: "alice's quarterly planning notes",
		Mode:    ModeDisabled,
	})
	require.NoError(t, err)
	entity, err := env.engine.AddEntity(ctx, testUser, AddEntityRequest{Name: "Acme Corp"})
	require.NoError(t, err)

	// Lookups and writes against another user's rows fail closed.
	_, err = env.engine.GetMemory(ctx, otherUser, added.Memory.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.engine.GetEntity(ctx, otherUser, entity.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	name := "Hijacked"
	_, err = env.engine.UpdateEntity(ctx, otherUser, entity.ID, types.EntityPatch{Name: &name})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// No recall strategy surfaces another user's memories.
	for _, strategy := range []RecallStrategy{
		StrategyComposite, StrategySimilarity, StrategyRecency, StrategyFrequency, StrategyImportance,
	} {
		result, err := env.engine.Recall(ctx, otherUser, RecallRequest{
			Query:    "quarterly planning",
			Strategy: strategy,
			Limit:    10,
		})
		require.NoError(t, err, string(strategy))
		assert.Empty(t, result.Memories, string(strategy))
	}

	// Statistics count only the caller's rows.
	stats, err := env.engine.GetStatistics(ctx, otherUser)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalMemories)
	assert.Zero(t, stats.TotalEntities)

	// Manual backfill scoped to the caller never touches other users.
	worker := NewWorker(env.store, env.mock, NewQueue(), zaptest.NewLogger(t))
	updated, err := worker.ProcessMissing(ctx, otherUser, 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
	memory, err := env.engine.GetMemory(ctx, testUser, added.Memory.ID)
	require.NoError(t, err)
	assert.False(t, memory.HasEmbedding())
}

func TestAddMemoryValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddMemory(ctx, "", AddMemoryRequest{Content: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = env.engine.AddMemory(ctx, testUser, AddMemoryRequest{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "x", MemoryType: "daydream"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddMemorySync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Title:   "Kickoff",
		Content: "Project kickoff scheduled for Monday",
		Mode:    ModeSync,
	})
	require.NoError(t, err)
	assert.True(t, result.HasEmbedding)
	assert.False(t, result.EmbeddingQueued)
	assert.Equal(t, types.MemoryTypeMemory, result.Memory.MemoryType)

	stored, err := env.engine.GetMemory(ctx, testUser, result.Memory.ID)
	require.NoError(t, err)
	assert.True(t, stored.HasEmbedding())

	// Embedding calls are billed to the user.
	day := time.Now().UTC()
	usage, err := env.store.GetUsage(ctx, testUser, day.Add(-24*time.Hour), day)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "mock", usage[0].Provider)
	assert.Positive(t, usage[0].Tokens)
}

func TestAddMemoryAsyncQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content: "async content",
		Mode:    ModeAsync,
	})
	require.NoError(t, err)
	assert.False(t, result.HasEmbedding)
	assert.True(t, result.EmbeddingQueued)
	assert.Equal(t, 1, env.queue.Len())
	assert.Zero(t, env.mock.CallCount())
}

func TestAddMemoryDisabledSkipsEmbedding(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.AddMemory(context.Background(), testUser, AddMemoryRequest{
		Content: "no embedding wanted",
		Mode:    ModeDisabled,
	})
	require.NoError(t, err)
	assert.False(t, result.HasEmbedding)
	assert.False(t, result.EmbeddingQueued)
	assert.Zero(t, env.queue.Len())
	assert.Zero(t, env.mock.CallCount())
}

func TestAddMemorySyncFailureFallsBackToQueue(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = &embedding.ProviderError{Kind: embedding.KindTransient, Err: errors.New("upstream down")}

	result, err := env.engine.AddMemory(context.Background(), testUser, AddMemoryRequest{
		Content: "still stored",
		Mode:    ModeSync,
	})
	require.NoError(t, err)
	assert.False(t, result.HasEmbedding)
	assert.True(t, result.EmbeddingQueued)
	assert.Equal(t, 1, env.queue.Len())

	// The write itself survived the embedder outage.
	stored, err := env.engine.GetMemory(context.Background(), testUser, result.Memory.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasEmbedding())
}

func TestAddMemoryDropsUnknownEntityReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entity, err := env.engine.AddEntity(ctx, testUser, AddEntityRequest{Name: "Dana"})
	require.NoError(t, err)

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content:   "met Dana",
		EntityIDs: []string{entity.ID, "ent_ghost"},
		Mode:      ModeDisabled,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{entity.ID}, result.Memory.EntityIDs)
}

func TestAddMemoryNormalizesImportanceAndTags(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.engine.AddMemory(context.Background(), testUser, AddMemoryRequest{
		Content:    "normalized",
		Importance: 5, // ordinal scale
		Tags:       []string{"Work", "work", " work "},
		Mode:       ModeDisabled,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.Memory.Importance, 1e-9)
	assert.Equal(t, []string{"work"}, result.Memory.Tags)
}

func TestUpdateMemoryReembedsOnContentChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "original", Mode: ModeSync})
	require.NoError(t, err)
	original, err := env.engine.GetMemory(ctx, testUser, added.Memory.ID)
	require.NoError(t, err)

	newContent := "rewritten"
	updated, err := env.engine.UpdateMemory(ctx, testUser, added.Memory.ID, types.MemoryPatch{Content: &newContent}, ModeSync)
	require.NoError(t, err)
	assert.True(t, updated.HasEmbedding)
	assert.NotEqual(t, original.Embedding, updated.Memory.Embedding)
}

func TestUpdateMemoryKeepsEmbeddingOnImportanceChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "stable", Mode: ModeSync})
	require.NoError(t, err)
	calls := env.mock.CallCount()

	importance := 0.9
	updated, err := env.engine.UpdateMemory(ctx, testUser, added.Memory.ID, types.MemoryPatch{Importance: &importance}, ModeSync)
	require.NoError(t, err)
	assert.True(t, updated.HasEmbedding)
	assert.Equal(t, calls, env.mock.CallCount(), "importance change must not re-embed")
}

func TestUpdateMemoryAsyncClearsAndQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "before", Mode: ModeSync})
	require.NoError(t, err)

	newContent := "after"
	updated, err := env.engine.UpdateMemory(ctx, testUser, added.Memory.ID, types.MemoryPatch{Content: &newContent}, ModeAsync)
	require.NoError(t, err)
	assert.False(t, updated.HasEmbedding)
	assert.True(t, updated.EmbeddingQueued)

	stored, err := env.engine.GetMemory(ctx, testUser, added.Memory.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasEmbedding(), "stale embedding must be cleared")
}

func TestUpdateMemoryEmptyPatchIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "keep me", Mode: ModeDisabled})
	require.NoError(t, err)

	updated, err := env.engine.UpdateMemory(ctx, testUser, added.Memory.ID, types.MemoryPatch{}, ModeSync)
	require.NoError(t, err)
	assert.WithinDuration(t, added.Memory.UpdatedAt, updated.Memory.UpdatedAt, time.Millisecond)
	assert.Zero(t, env.mock.CallCount())
}

func TestUpdateMemoryRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "has content", Mode: ModeDisabled})
	require.NoError(t, err)

	empty := ""
	_, err = env.engine.UpdateMemory(ctx, testUser, added.Memory.ID, types.MemoryPatch{Content: &empty}, ModeDisabled)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestDeleteMemoryDropsQueuedWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	added, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "short lived", Mode: ModeAsync})
	require.NoError(t, err)
	require.Equal(t, 1, env.queue.Len())

	require.NoError(t, env.engine.DeleteMemory(ctx, testUser, added.Memory.ID))
	assert.Zero(t, env.queue.Len())

	_, err = env.engine.GetMemory(ctx, testUser, added.Memory.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEntityLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	entity, err := env.engine.AddEntity(ctx, testUser, AddEntityRequest{
		Name:    "Dana Ortiz",
		Email:   "dana@example.com",
		Company: "Initech",
		Tags:    []string{"Client", "client"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.EntityTypePerson, entity.EntityType)
	assert.Equal(t, []string{"client"}, entity.Tags)

	newCompany := "Globex"
	updated, err := env.engine.UpdateEntity(ctx, testUser, entity.ID, types.EntityPatch{Company: &newCompany})
	require.NoError(t, err)
	assert.Equal(t, "Globex", updated.Company)

	interaction, err := env.engine.RecordInteraction(ctx, testUser, entity.ID, "meeting", "quarterly review", time.Time{})
	require.NoError(t, err)
	assert.False(t, interaction.OccurredAt.IsZero())

	fetched, err := env.engine.GetEntity(ctx, testUser, entity.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, fetched.InteractionCount)

	require.NoError(t, env.engine.DeleteEntity(ctx, testUser, entity.ID))
	_, err = env.engine.GetEntity(ctx, testUser, entity.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAddEntityValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddEntity(ctx, testUser, AddEntityRequest{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = env.engine.AddEntity(ctx, testUser, AddEntityRequest{Name: "X", EntityType: "starship"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = env.engine.RecordInteraction(ctx, testUser, "ent_x", "", "", time.Time{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "embedded", Mode: ModeSync})
	require.NoError(t, err)
	_, err = env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "plain", Mode: ModeDisabled})
	require.NoError(t, err)

	stats, err := env.engine.GetStatistics(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalMemories)
	assert.Equal(t, 1, stats.WithEmbedding)
	assert.Equal(t, 1, stats.MissingEmbedding)
}
