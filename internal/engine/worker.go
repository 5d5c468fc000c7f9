package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/membank/membank/internal/embedding"
	"github.com/membank/membank/internal/storage"
)

const (
	// workerBatchSize caps how many memories one embedding pass handles.
	workerBatchSize = 10

	// workerPace spaces out batches to stay friendly to provider rate limits.
	workerPace = 500 * time.Millisecond

	workerRetries    = 3
	workerRetryDelay = time.Second
)

// queueItem identifies one pending embedding.
type queueItem struct {
	userID   string
	memoryID string
}

// Queue is the worker's pending-embedding set. A memory can be queued at
// most once; re-enqueueing an already pending memory is a no-op.
type Queue struct {
	mu      sync.Mutex
	pending map[queueItem]struct{}
	order   []queueItem
	notify  chan struct{}
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pending: make(map[queueItem]struct{}),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue adds a memory to the pending set, deduplicating by user and ID.
func (q *Queue) Enqueue(userID, memoryID string) {
	item := queueItem{userID: userID, memoryID: memoryID}

	q.mu.Lock()
	if _, ok := q.pending[item]; !ok {
		q.pending[item] = struct{}{}
		q.order = append(q.order, item)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Remove drops a memory from the pending set, if queued.
func (q *Queue) Remove(userID, memoryID string) {
	item := queueItem{userID: userID, memoryID: memoryID}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[item]; !ok {
		return
	}
	delete(q.pending, item)
	for i, queued := range q.order {
		if queued == item {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Len reports how many embeddings are pending.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// dequeue removes and returns up to n items in FIFO order.
func (q *Queue) dequeue(n int) []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) < n {
		n = len(q.order)
	}
	batch := make([]queueItem, n)
	copy(batch, q.order[:n])
	q.order = q.order[n:]
	for _, item := range batch {
		delete(q.pending, item)
	}
	return batch
}

// Worker embeds queued memories in the background with a single consumer
// goroutine, and optionally scans for memories that are missing embeddings
// entirely (failed syncs, imports, restarts that lost the queue).
type Worker struct {
	store    storage.MemoryStore
	provider embedding.Provider
	queue    *Queue
	logger   *zap.Logger
	limiter  *rate.Limiter

	retryDelay time.Duration

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once

	// lastMissingCount is only touched by the scanner goroutine. The scanner
	// logs only when the count changes, so a steady backlog (or a steady
	// zero) stays quiet.
	lastMissingCount int
	scannedOnce      bool
}

// NewWorker wires a worker to its queue. Call Start to begin consuming.
func NewWorker(store storage.MemoryStore, provider embedding.Provider, queue *Queue, logger *zap.Logger) *Worker {
	return &Worker{
		store:      store,
		provider:   provider,
		queue:      queue,
		logger:     logger,
		limiter:    rate.NewLimiter(rate.Every(workerPace), 1),
		retryDelay: workerRetryDelay,
		stop:       make(chan struct{}),
	}
}

// Start launches the consumer goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.consume(ctx)
}

// StartMonitoring launches a periodic scan for memories missing embeddings.
func (w *Worker) StartMonitoring(ctx context.Context, interval time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.scan(ctx)
			}
		}
	}()
}

// Stop signals shutdown and waits for in-flight work to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			// Drain what is already queued before exiting.
			for w.queue.Len() > 0 {
				w.processBatch(ctx)
			}
			return
		case <-w.queue.notify:
			for w.queue.Len() > 0 {
				if err := w.limiter.Wait(ctx); err != nil {
					return
				}
				w.processBatch(ctx)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	batch := w.queue.dequeue(workerBatchSize)
	if len(batch) == 0 {
		return
	}

	updated := 0
	for _, item := range batch {
		if w.processItem(ctx, item) {
			updated++
		}
	}
	if updated > 0 {
		w.logger.Info("Updated embeddings", zap.Int("count", updated))
	}
}

// processItem embeds one memory with retries. Returns true when the
// embedding was written.
func (w *Worker) processItem(ctx context.Context, item queueItem) bool {
	memory, err := w.store.GetMemory(ctx, item.userID, item.memoryID)
	if err != nil {
		// Deleted while queued; nothing to do.
		return false
	}
	if memory.HasEmbedding() {
		return false
	}

	var vec []float32
	for attempt := 1; attempt <= workerRetries; attempt++ {
		vec, err = w.provider.Embed(ctx, memory.EmbeddingText())
		if err == nil {
			break
		}
		if pe, ok := embedding.AsProviderError(err); ok && !pe.Retryable() {
			w.logger.Warn("Dropping unembeddable memory",
				zap.String("memory_id", item.memoryID),
				zap.Error(err))
			return false
		}
		if attempt < workerRetries {
			select {
			case <-time.After(retryBackoff(err, attempt, w.retryDelay)):
			case <-ctx.Done():
				return false
			}
		}
	}
	if err != nil {
		// The row stays unembedded; the periodic scan picks it up on a
		// later pass. Re-enqueueing here would keep the consumer spinning
		// and block the stop-drain during an outage.
		w.logger.Error("Embedding failed after retries",
			zap.String("memory_id", item.memoryID),
			zap.Error(err))
		return false
	}

	if err := w.store.UpdateEmbedding(ctx, item.userID, item.memoryID, vec); err != nil {
		w.logger.Warn("Failed to store embedding",
			zap.String("memory_id", item.memoryID),
			zap.Error(err))
		return false
	}
	return true
}

// retryBackoff returns the wait before the next attempt. Rate-limited
// errors extend the linear backoff to the provider's retry-after hint.
func retryBackoff(err error, attempt int, base time.Duration) time.Duration {
	delay := base * time.Duration(attempt)
	if pe, ok := embedding.AsProviderError(err); ok && pe.RetryAfter > delay {
		delay = pe.RetryAfter
	}
	return delay
}

// scan finds memories missing embeddings across all users and queues them.
func (w *Worker) scan(ctx context.Context) {
	missing, err := w.store.FindMemoriesMissingEmbedding(ctx, "", workerBatchSize)
	if err != nil {
		w.logger.Error("Missing-embedding scan failed", zap.Error(err))
		return
	}

	if count := len(missing); count != w.lastMissingCount || !w.scannedOnce {
		w.logger.Info("Memories missing embeddings", zap.Int("count", count))
		w.lastMissingCount = count
		w.scannedOnce = true
	}

	for _, memory := range missing {
		w.queue.Enqueue(memory.UserID, memory.ID)
	}
}

// ProcessMissing synchronously embeds up to limit of the user's memories
// missing embeddings. Used by the manual backfill operation. Returns how
// many embeddings were written.
func (w *Worker) ProcessMissing(ctx context.Context, userID string, limit int) (int, error) {
	if limit <= 0 {
		limit = workerBatchSize
	}
	missing, err := w.store.FindMemoriesMissingEmbedding(ctx, userID, limit)
	if err != nil {
		return 0, err
	}

	updated := 0
	for _, memory := range missing {
		if w.processItem(ctx, queueItem{userID: memory.UserID, memoryID: memory.ID}) {
			updated++
		}
	}
	if updated > 0 {
		w.logger.Info("Updated embeddings", zap.Int("count", updated))
	}
	return updated, nil
}
