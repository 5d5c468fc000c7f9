package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/membank/membank/internal/embedding"
)

func TestQueueDedupAndRemove(t *testing.T) {
	q := NewQueue()

	q.Enqueue("u1", "m1")
	q.Enqueue("u1", "m1")
	q.Enqueue("u2", "m1") // same memory ID, different user
	assert.Equal(t, 2, q.Len())

	q.Remove("u1", "m1")
	q.Remove("u1", "never-queued")
	assert.Equal(t, 1, q.Len())

	batch := q.dequeue(10)
	require.Len(t, batch, 1)
	assert.Equal(t, queueItem{userID: "u2", memoryID: "m1"}, batch[0])
	assert.Zero(t, q.Len())
}

func TestQueueDequeueOrder(t *testing.T) {
	q := NewQueue()
	q.Enqueue("u", "first")
	q.Enqueue("u", "second")
	q.Enqueue("u", "third")

	batch := q.dequeue(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].memoryID)
	assert.Equal(t, "second", batch[1].memoryID)
	assert.Equal(t, 1, q.Len())
}

func TestWorkerEmbedsQueuedMemories(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	worker := NewWorker(env.store, env.mock, env.queue, zap.NewNop())
	worker.Start(ctx)
	defer worker.Stop()

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content: "embed me later",
		Mode:    ModeAsync,
	})
	require.NoError(t, err)
	require.False(t, result.HasEmbedding)

	require.Eventually(t, func() bool {
		memory, err := env.engine.GetMemory(ctx, testUser, result.Memory.ID)
		return err == nil && memory.HasEmbedding()
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWorkerAsyncDoesNotBlockWrites(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Delay = 150 * time.Millisecond
	ctx := context.Background()

	start := time.Now()
	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content: "slow embedder",
		Mode:    ModeAsync,
	})
	require.NoError(t, err)
	returned := time.Now()
	assert.Less(t, returned.Sub(start), 100*time.Millisecond, "async write must not wait for the embedder")

	worker := NewWorker(env.store, env.mock, env.queue, zap.NewNop())
	worker.Start(ctx)
	defer worker.Stop()

	require.Eventually(t, func() bool {
		memory, err := env.engine.GetMemory(ctx, testUser, result.Memory.ID)
		return err == nil && memory.HasEmbedding()
	}, 3*time.Second, 10*time.Millisecond)

	first, ok := env.mock.FirstCallTime()
	require.True(t, ok)
	assert.False(t, first.Before(returned), "embedding call must happen after the write returned")
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.mock.FailFirst = 2
	ctx := context.Background()

	_, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "flaky", Mode: ModeDisabled})
	require.NoError(t, err)

	worker := NewWorker(env.store, env.mock, NewQueue(), zap.NewNop())
	worker.retryDelay = time.Millisecond

	updated, err := worker.ProcessMissing(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 3, env.mock.CallCount())
}

func TestWorkerDropsPermanentFailures(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = &embedding.ProviderError{Kind: embedding.KindPermanent, Err: errors.New("input too long")}
	ctx := context.Background()

	_, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "poison", Mode: ModeDisabled})
	require.NoError(t, err)

	queue := NewQueue()
	worker := NewWorker(env.store, env.mock, queue, zap.NewNop())
	worker.retryDelay = time.Millisecond

	updated, err := worker.ProcessMissing(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Equal(t, 1, env.mock.CallCount(), "permanent failures are not retried")
	assert.Zero(t, queue.Len(), "permanent failures are not re-queued")
}

func TestWorkerDropsAfterRetryExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = &embedding.ProviderError{Kind: embedding.KindTransient, Err: errors.New("still down")}
	ctx := context.Background()

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "later", Mode: ModeDisabled})
	require.NoError(t, err)

	queue := NewQueue()
	core, logs := observer.New(zap.ErrorLevel)
	worker := NewWorker(env.store, env.mock, queue, zap.New(core))
	worker.retryDelay = time.Millisecond

	updated, err := worker.ProcessMissing(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Equal(t, workerRetries, env.mock.CallCount())
	// The row is dropped from this pass; the periodic scan owns the retry.
	assert.Zero(t, queue.Len())
	require.Len(t, logs.FilterMessage("Embedding failed after retries").All(), 1)

	memory, err := env.engine.GetMemory(ctx, testUser, result.Memory.ID)
	require.NoError(t, err)
	assert.False(t, memory.HasEmbedding())
}

func TestWorkerStopReturnsDuringProviderOutage(t *testing.T) {
	env := newTestEnv(t)
	env.mock.Err = &embedding.ProviderError{Kind: embedding.KindTransient, Err: errors.New("outage")}
	ctx := context.Background()

	worker := NewWorker(env.store, env.mock, env.queue, zap.NewNop())
	worker.retryDelay = time.Millisecond
	worker.Start(ctx)

	_, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: "stuck", Mode: ModeAsync})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while the provider kept failing")
	}
	assert.Zero(t, env.queue.Len(), "failed items are not re-queued")
}

func TestRetryBackoffHonorsRateLimitHint(t *testing.T) {
	base := 10 * time.Millisecond

	transient := &embedding.ProviderError{Kind: embedding.KindTransient, Err: errors.New("flake")}
	assert.Equal(t, 20*time.Millisecond, retryBackoff(transient, 2, base))

	limited := &embedding.ProviderError{
		Kind:       embedding.KindRateLimited,
		RetryAfter: 250 * time.Millisecond,
		Err:        errors.New("throttled"),
	}
	assert.Equal(t, 250*time.Millisecond, retryBackoff(limited, 1, base))

	// A hint shorter than the linear backoff never shortens the wait.
	limited.RetryAfter = 5 * time.Millisecond
	assert.Equal(t, 30*time.Millisecond, retryBackoff(limited, 3, base))
}

func TestScannerLogsOnlyOnStateChange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, content := range []string{"missing one", "missing two"} {
		_, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{Content: content, Mode: ModeDisabled})
		require.NoError(t, err)
	}

	core, logs := observer.New(zap.InfoLevel)
	worker := NewWorker(env.store, env.mock, NewQueue(), zap.New(core))
	worker.retryDelay = time.Millisecond

	missingLogs := func() []observer.LoggedEntry {
		return logs.FilterMessage("Memories missing embeddings").All()
	}

	worker.scan(ctx)
	worker.scan(ctx)
	worker.scan(ctx)
	require.Len(t, missingLogs(), 1, "steady backlog logs once")
	assert.Equal(t, int64(2), missingLogs()[0].ContextMap()["count"])

	updated, err := worker.ProcessMissing(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	worker.scan(ctx)
	worker.scan(ctx)
	require.Len(t, missingLogs(), 2, "count change logs once more")
	assert.Equal(t, int64(0), missingLogs()[1].ContextMap()["count"])
}

func TestProcessMissingQuietWhenNothingToDo(t *testing.T) {
	env := newTestEnv(t)

	core, logs := observer.New(zap.InfoLevel)
	worker := NewWorker(env.store, env.mock, NewQueue(), zap.New(core))

	updated, err := worker.ProcessMissing(context.Background(), testUser, 10)
	require.NoError(t, err)
	assert.Zero(t, updated)
	assert.Empty(t, logs.FilterMessage("Updated embeddings").All())
}

func TestWorkerStopDrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.engine.AddMemory(ctx, testUser, AddMemoryRequest{
		Content: "drain me",
		Mode:    ModeAsync,
	})
	require.NoError(t, err)

	worker := NewWorker(env.store, env.mock, env.queue, zap.NewNop())
	worker.Start(ctx)
	worker.Stop()

	memory, err := env.engine.GetMemory(ctx, testUser, result.Memory.ID)
	require.NoError(t, err)
	assert.True(t, memory.HasEmbedding())
}

func TestParseEmbeddingMode(t *testing.T) {
	mode, err := ParseEmbeddingMode("", ModeAsync)
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, mode)

	mode, err = ParseEmbeddingMode("SYNC", ModeAsync)
	require.NoError(t, err)
	assert.Equal(t, ModeSync, mode)

	_, err = ParseEmbeddingMode("eventually", ModeAsync)
	assert.Error(t, err)
}

func TestParseRecallStrategy(t *testing.T) {
	strategy, err := ParseRecallStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyComposite, strategy)

	strategy, err = ParseRecallStrategy("Recency")
	require.NoError(t, err)
	assert.Equal(t, StrategyRecency, strategy)

	_, err = ParseRecallStrategy("psychic")
	assert.Error(t, err)
}
