package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/membank/membank/internal/storage"
	"github.com/membank/membank/internal/vector"
	"github.com/membank/membank/pkg/types"
)

const (
	// Composite blends the two legs as 0.7 * vector + 0.3 * text. The
	// vector leg is filtered at compositeVectorThreshold before blending;
	// the text leg is unfiltered.
	compositeVectorWeight    = 0.7
	compositeTextWeight      = 0.3
	compositeVectorThreshold = 0.6

	// Similarity is pure semantic search with a looser floor.
	similarityThreshold = 0.3

	// recallIndexCap bounds how many embedded memories feed the per-query
	// vector index.
	recallIndexCap = 10_000

	// maxRecallCandidates bounds the text-search candidate pool.
	maxRecallCandidates = 100
)

// Recall answers a recall query using the requested strategy. A non-positive
// limit yields an empty result rather than an error.
func (e *Engine) Recall(ctx context.Context, userID string, req RecallRequest) (*RecallResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if req.Limit <= 0 {
		return &RecallResult{Memories: []ScoredMemory{}}, nil
	}

	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyComposite
	}

	// Query-driven strategies fall back to recency when there is nothing
	// to match against.
	if req.Query == "" && (strategy == StrategyComposite || strategy == StrategySimilarity) {
		strategy = StrategyRecency
	}

	// A threshold no cosine similarity can reach matches nothing.
	if req.Threshold != nil && *req.Threshold > 1 &&
		(strategy == StrategyComposite || strategy == StrategySimilarity) {
		return &RecallResult{Memories: []ScoredMemory{}}, nil
	}

	switch strategy {
	case StrategyComposite:
		return e.recallComposite(ctx, userID, req)
	case StrategySimilarity:
		return e.recallSimilarity(ctx, userID, req)
	case StrategyRecency:
		return e.recallSorted(ctx, userID, req, "updated_at")
	case StrategyImportance:
		return e.recallSorted(ctx, userID, req, "importance")
	case StrategyFrequency:
		return e.recallFrequency(ctx, userID, req)
	default:
		return nil, fmt.Errorf("%w: unknown recall strategy %q", storage.ErrInvalidInput, strategy)
	}
}

// recallComposite blends full-text and vector scores. When the embedder is
// unavailable it degrades to text-only scoring and marks the result.
func (e *Engine) recallComposite(ctx context.Context, userID string, req RecallRequest) (*RecallResult, error) {
	scored, degraded, err := e.compositeScored(ctx, userID, req)
	if err != nil {
		return nil, err
	}
	sortScored(scored)
	if len(scored) > req.Limit {
		scored = scored[:req.Limit]
	}
	return &RecallResult{Memories: scored, Degraded: degraded}, nil
}

// compositeScored retrieves and scores the hybrid candidate set shared by
// composite and the query-aware sorted strategies. The result is unsorted
// and not yet truncated to the request limit.
func (e *Engine) compositeScored(ctx context.Context, userID string, req RecallRequest) ([]ScoredMemory, bool, error) {
	candidates := req.Limit * 3
	if candidates < 30 {
		candidates = 30
	}
	if candidates > maxRecallCandidates {
		candidates = maxRecallCandidates
	}

	textHits, err := e.store.SearchMemories(ctx, userID, storage.SearchOptions{
		Query:      req.Query,
		Limit:      candidates,
		MemoryType: req.MemoryType,
	})
	if err != nil {
		return nil, false, fmt.Errorf("text search: %w", err)
	}

	textScores := make(map[string]float64, len(textHits))
	for _, hit := range textHits {
		textScores[hit.ID] = hit.Score
	}

	vectorThreshold := compositeVectorThreshold
	if req.Threshold != nil {
		vectorThreshold = *req.Threshold
	}
	vecScores, embedded, degraded := e.vectorScores(ctx, userID, req, vectorThreshold)

	if degraded {
		// Text-only fallback: raw text scores, no vector contribution.
		scored := make([]ScoredMemory, 0, len(textHits))
		for _, hit := range textHits {
			memory, err := e.store.GetMemory(ctx, userID, hit.ID)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, false, err
			}
			if !matchesRecallFilters(memory, req) {
				continue
			}
			scored = append(scored, ScoredMemory{Memory: memory, Score: hit.Score})
		}
		return scored, true, nil
	}

	// Blend. Every ID seen by either leg competes; the vector leg has
	// already been thresholded.
	ids := make(map[string]struct{}, len(textScores)+len(vecScores))
	for id := range textScores {
		ids[id] = struct{}{}
	}
	for id := range vecScores {
		ids[id] = struct{}{}
	}

	scored := make([]ScoredMemory, 0, len(ids))
	for id := range ids {
		score := compositeVectorWeight*vecScores[id] + compositeTextWeight*textScores[id]
		if score > 1 {
			score = 1
		}
		memory := embedded[id]
		if memory == nil {
			memory, err = e.store.GetMemory(ctx, userID, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, false, err
			}
		}
		if !matchesRecallFilters(memory, req) {
			continue
		}
		scored = append(scored, ScoredMemory{Memory: memory, Score: score})
	}
	return scored, false, nil
}

// recallSimilarity is pure semantic search. An embedder failure here is a
// hard error; callers that want graceful degradation use composite.
func (e *Engine) recallSimilarity(ctx context.Context, userID string, req RecallRequest) (*RecallResult, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("semantic search unavailable: no embedding provider configured")
	}

	queryVec, err := e.embedAndTrack(ctx, userID, req.Query)
	if err != nil {
		return nil, fmt.Errorf("semantic search unavailable: %w", err)
	}

	index, embedded, err := e.buildIndex(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	threshold := similarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	hits, err := index.Search(queryVec, vector.SearchOptions{Limit: req.Limit, Threshold: threshold})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	scored := make([]ScoredMemory, 0, len(hits))
	for _, hit := range hits {
		scored = append(scored, ScoredMemory{Memory: embedded[hit.ID], Score: hit.Score})
	}
	return &RecallResult{Memories: scored}, nil
}

// recallSorted serves the recency and importance strategies. With a query it
// retrieves the same candidate set as composite and re-sorts it; without one
// it serves the store's ordering directly.
func (e *Engine) recallSorted(ctx context.Context, userID string, req RecallRequest, sortBy string) (*RecallResult, error) {
	if req.Query != "" {
		scored, degraded, err := e.compositeScored(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		sortScoredBy(scored, sortBy)
		if len(scored) > req.Limit {
			scored = scored[:req.Limit]
		}
		rescoreSorted(scored, sortBy)
		return &RecallResult{Memories: scored, Degraded: degraded}, nil
	}

	page, err := e.store.ListMemories(ctx, userID, storage.ListOptions{
		Limit:      req.Limit,
		SortBy:     sortBy,
		SortOrder:  "desc",
		MemoryType: req.MemoryType,
		Tags:       req.Tags,
	})
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredMemory, 0, len(page.Items))
	for i := range page.Items {
		scored = append(scored, ScoredMemory{Memory: &page.Items[i]})
	}
	rescoreSorted(scored, sortBy)
	return &RecallResult{Memories: scored}, nil
}

// recallFrequency ranks memories by the interaction counts of the entities
// they reference. Memories with no entity references score zero.
func (e *Engine) recallFrequency(ctx context.Context, userID string, req RecallRequest) (*RecallResult, error) {
	var (
		memories []*types.Memory
		degraded bool
	)
	if req.Query != "" {
		scored, deg, err := e.compositeScored(ctx, userID, req)
		if err != nil {
			return nil, err
		}
		degraded = deg
		memories = make([]*types.Memory, 0, len(scored))
		for _, s := range scored {
			memories = append(memories, s.Memory)
		}
	} else {
		page, err := e.store.ListMemories(ctx, userID, storage.ListOptions{
			Limit:      maxRecallCandidates,
			SortBy:     "updated_at",
			SortOrder:  "desc",
			MemoryType: req.MemoryType,
			Tags:       req.Tags,
		})
		if err != nil {
			return nil, err
		}
		memories = make([]*types.Memory, 0, len(page.Items))
		for i := range page.Items {
			memories = append(memories, &page.Items[i])
		}
	}

	counts := make(map[string]int)
	interactions := func(memory *types.Memory) int {
		total := 0
		for _, id := range memory.EntityIDs {
			count, ok := counts[id]
			if !ok {
				entity, err := e.store.GetEntity(ctx, userID, id)
				if err != nil {
					count = 0 // dangling reference
				} else {
					count = entity.InteractionCount
				}
				counts[id] = count
			}
			total += count
		}
		return total
	}

	type weighted struct {
		memory *types.Memory
		count  int
	}
	items := make([]weighted, 0, len(memories))
	maxCount := 0
	for _, memory := range memories {
		count := interactions(memory)
		if count > maxCount {
			maxCount = count
		}
		items = append(items, weighted{memory: memory, count: count})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].count != items[j].count {
			return items[i].count > items[j].count
		}
		return items[i].memory.UpdatedAt.After(items[j].memory.UpdatedAt)
	})

	if len(items) > req.Limit {
		items = items[:req.Limit]
	}
	scored := make([]ScoredMemory, 0, len(items))
	for _, item := range items {
		score := 0.0
		if maxCount > 0 {
			score = float64(item.count) / float64(maxCount)
		}
		scored = append(scored, ScoredMemory{Memory: item.memory, Score: score})
	}
	return &RecallResult{Memories: scored, Degraded: degraded}, nil
}

// vectorScores embeds the query and scores it against the user's embedded
// memories, keeping hits at or above threshold. The degraded flag is set
// when no vector contribution is possible (no provider, or the embed call
// failed).
func (e *Engine) vectorScores(ctx context.Context, userID string, req RecallRequest, threshold float64) (map[string]float64, map[string]*types.Memory, bool) {
	if e.provider == nil {
		return nil, nil, true
	}

	queryVec, err := e.embedAndTrack(ctx, userID, req.Query)
	if err != nil {
		e.logger.Warn("Query embedding failed, degrading to text-only recall", zap.Error(err))
		return nil, nil, true
	}

	index, embedded, err := e.buildIndex(ctx, userID, req)
	if err != nil {
		e.logger.Warn("Vector index build failed, degrading to text-only recall", zap.Error(err))
		return nil, nil, true
	}

	hits, err := index.Search(queryVec, vector.SearchOptions{Limit: recallIndexCap, Threshold: threshold})
	if err != nil {
		e.logger.Warn("Vector search failed, degrading to text-only recall", zap.Error(err))
		return nil, nil, true
	}

	scores := make(map[string]float64, len(hits))
	for _, hit := range hits {
		if hit.Score > 0 {
			scores[hit.ID] = hit.Score
		}
	}
	return scores, embedded, false
}

// buildIndex loads the user's embedded memories, applies the recall filters,
// and indexes them for this query.
func (e *Engine) buildIndex(ctx context.Context, userID string, req RecallRequest) (*vector.Index, map[string]*types.Memory, error) {
	memories, err := e.store.ListEmbeddedMemories(ctx, userID, recallIndexCap)
	if err != nil {
		return nil, nil, fmt.Errorf("load embedded memories: %w", err)
	}

	index := vector.New()
	embedded := make(map[string]*types.Memory, len(memories))
	for _, memory := range memories {
		if !matchesRecallFilters(memory, req) {
			continue
		}
		if err := index.Add(memory.ID, memory.Embedding); err != nil {
			// Skip vectors from an older model dimension.
			e.logger.Warn("Skipping unindexable embedding",
				zap.String("memory_id", memory.ID),
				zap.Error(err))
			continue
		}
		embedded[memory.ID] = memory
	}
	return index, embedded, nil
}

func matchesRecallFilters(memory *types.Memory, req RecallRequest) bool {
	if memory.IsArchived {
		return false
	}
	if req.MemoryType != "" && memory.MemoryType != req.MemoryType {
		return false
	}
	if len(req.Tags) > 0 {
		have := make(map[string]struct{}, len(memory.Tags))
		for _, tag := range memory.Tags {
			have[tag] = struct{}{}
		}
		for _, tag := range req.Tags {
			if _, ok := have[tag]; !ok {
				return false
			}
		}
	}
	return true
}

// sortScored orders by score descending, breaking ties by id ascending.
func sortScored(scored []ScoredMemory) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Memory.ID < scored[j].Memory.ID
	})
}

// sortScoredBy orders by the strategy's sort key descending.
func sortScoredBy(scored []ScoredMemory, sortBy string) {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i].Memory, scored[j].Memory
		if sortBy == "updated_at" {
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		} else if a.Importance != b.Importance {
			return a.Importance > b.Importance
		}
		return a.ID < b.ID
	})
}

// rescoreSorted assigns presentation scores after a sorted-strategy ranking:
// importance reports the stored importance, recency a positional score.
func rescoreSorted(scored []ScoredMemory, sortBy string) {
	n := len(scored)
	for i := range scored {
		if sortBy == "importance" {
			scored[i].Score = scored[i].Memory.Importance
		} else {
			scored[i].Score = float64(n-i) / float64(n)
		}
	}
}
