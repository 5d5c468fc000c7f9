// Package engine implements the memory core: validated writes, hybrid
// recall, statistics, and the background embedding worker.
package engine

import (
	"fmt"
	"strings"

	"github.com/membank/membank/pkg/types"
)

// EmbeddingMode selects when a memory's embedding is produced.
type EmbeddingMode int

const (
	// ModeSync embeds before the write returns. Failures fall back to a
	// queued async attempt rather than failing the write.
	ModeSync EmbeddingMode = iota

	// ModeAsync persists immediately and queues the embedding.
	ModeAsync

	// ModeDisabled skips embedding entirely; the memory is text-only
	// searchable until a backfill run.
	ModeDisabled
)

func (m EmbeddingMode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeAsync:
		return "async"
	case ModeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseEmbeddingMode normalizes a wire-level mode string. The empty string
// maps to the given default; anything else unrecognized is an error.
func ParseEmbeddingMode(s string, def EmbeddingMode) (EmbeddingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "sync":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	case "disabled":
		return ModeDisabled, nil
	default:
		return def, fmt.Errorf("invalid embedding mode %q (want sync, async, or disabled)", s)
	}
}

// RecallStrategy selects how recall ranks results.
type RecallStrategy string

const (
	// StrategyComposite blends full-text and semantic scores. Degrades to
	// text-only when the embedder is unavailable.
	StrategyComposite RecallStrategy = "composite"

	// StrategySimilarity is pure semantic search. Embedder failures are
	// hard errors.
	StrategySimilarity RecallStrategy = "similarity"

	// StrategyRecency sorts by updated_at descending.
	StrategyRecency RecallStrategy = "recency"

	// StrategyFrequency sorts by referenced entities' interaction counts.
	StrategyFrequency RecallStrategy = "frequency"

	// StrategyImportance sorts by the stored importance score.
	StrategyImportance RecallStrategy = "importance"
)

// ParseRecallStrategy normalizes a wire-level strategy string; empty maps
// to composite.
func ParseRecallStrategy(s string) (RecallStrategy, error) {
	switch RecallStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return StrategyComposite, nil
	case StrategyComposite:
		return StrategyComposite, nil
	case StrategySimilarity:
		return StrategySimilarity, nil
	case StrategyRecency:
		return StrategyRecency, nil
	case StrategyFrequency:
		return StrategyFrequency, nil
	case StrategyImportance:
		return StrategyImportance, nil
	default:
		return "", fmt.Errorf("invalid recall strategy %q", s)
	}
}

// AddMemoryRequest is the programmatic write request.
type AddMemoryRequest struct {
	Title      string
	Content    string
	MemoryType string
	Importance float64 // float in [0,1] or ordinal 1..5
	Tags       []string
	EntityIDs  []string
	Metadata   types.Metadata
	Mode       EmbeddingMode
}

// AddMemoryResult reports what happened to the embedding alongside the
// stored memory.
type AddMemoryResult struct {
	Memory *types.Memory

	// HasEmbedding is true when the memory was embedded synchronously.
	HasEmbedding bool

	// EmbeddingQueued is true when the embedding was deferred to the
	// worker (async mode, or a sync attempt that failed recoverably).
	EmbeddingQueued bool
}

// UpdateMemoryResult mirrors AddMemoryResult for updates.
type UpdateMemoryResult struct {
	Memory          *types.Memory
	HasEmbedding    bool
	EmbeddingQueued bool
}

// RecallRequest is a recall query.
type RecallRequest struct {
	Query      string
	Strategy   RecallStrategy
	Limit      int
	MemoryType string
	Tags       []string

	// Threshold overrides the strategy's similarity floor (0.3 for
	// similarity, 0.6 for composite's vector leg). Nil keeps the default.
	// A value above 1 matches nothing.
	Threshold *float64
}

// RecallResult is the ranked answer to a recall query.
type RecallResult struct {
	Memories []ScoredMemory

	// Degraded is true when a composite recall fell back to text-only
	// scoring because the embedder was unavailable.
	Degraded bool
}

// ScoredMemory pairs a memory with its recall score in [0, 1].
type ScoredMemory struct {
	Memory *types.Memory
	Score  float64
}
