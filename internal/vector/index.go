// Package vector provides a small in-memory cosine-similarity index. The
// index is built per query from a user's embedded memories, searched with a
// linear scan, and discarded; deterministic ranking (score descending, ID
// ascending on ties) keeps results stable so an ANN implementation could
// replace the scan without changing the contract.
package vector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/membank/membank/internal/embedding"
)

// SearchOptions controls a single index search.
type SearchOptions struct {
	// Limit caps the number of results. Zero or negative yields none.
	Limit int

	// Threshold drops results with similarity strictly below it. A
	// threshold above 1 therefore matches nothing.
	Threshold float64

	// IncludeDistance populates Distance (1 - similarity) on results.
	IncludeDistance bool
}

// Result is one index hit.
type Result struct {
	ID       string
	Score    float64 // cosine similarity
	Distance float64 // 1 - Score, set when requested
}

// Ensemble strategies for multi-query search.
const (
	EnsembleMean     = "mean"
	EnsembleWeighted = "weighted"
	EnsembleMax      = "max"
)

// Stats summarises the index contents.
type Stats struct {
	Count     int
	Dimension int
}

// Index is a mutex-guarded in-memory vector index. All vectors must share
// one dimension, fixed by the first Add.
type Index struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	dim     int
}

// New returns an empty index.
func New() *Index {
	return &Index{vectors: make(map[string][]float32)}
}

// Add inserts a vector. Adding an existing ID is a conflict; use Update.
func (ix *Index) Add(id string, v []float32) error {
	if id == "" {
		return fmt.Errorf("vector index: id is required")
	}
	if len(v) == 0 {
		return fmt.Errorf("vector index: empty vector for %s", id)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(v)
	} else if len(v) != ix.dim {
		return fmt.Errorf("vector index: dimension mismatch for %s: got %d, want %d", id, len(v), ix.dim)
	}
	if _, ok := ix.vectors[id]; ok {
		return fmt.Errorf("vector index: %s already present", id)
	}
	ix.vectors[id] = v
	return nil
}

// Update replaces the vector for id, inserting when absent.
func (ix *Index) Update(id string, v []float32) error {
	if id == "" {
		return fmt.Errorf("vector index: id is required")
	}
	if len(v) == 0 {
		return fmt.Errorf("vector index: empty vector for %s", id)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dim == 0 {
		ix.dim = len(v)
	} else if len(v) != ix.dim {
		return fmt.Errorf("vector index: dimension mismatch for %s: got %d, want %d", id, len(v), ix.dim)
	}
	ix.vectors[id] = v
	return nil
}

// Remove deletes id from the index. Removing an absent ID is a no-op.
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vectors, id)
}

// Clear empties the index and resets the dimension.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors = make(map[string][]float32)
	ix.dim = 0
}

// Stats returns the current size and dimension.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Stats{Count: len(ix.vectors), Dimension: ix.dim}
}

// Search linear-scans the index for the query vector. An empty index
// returns an empty slice; a query with the wrong dimension is an error.
func (ix *Index) Search(query []float32, opts SearchOptions) ([]Result, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.vectors) == 0 {
		return []Result{}, nil
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vector index: query dimension %d, index dimension %d", len(query), ix.dim)
	}
	if opts.Limit <= 0 || opts.Threshold > 1 {
		return []Result{}, nil
	}

	scores := make(map[string]float64, len(ix.vectors))
	for id, v := range ix.vectors {
		sim, err := embedding.CosineSimilarity(query, v)
		if err != nil {
			return nil, err
		}
		scores[id] = sim
	}
	return rank(scores, opts), nil
}

// SearchEnsemble scores every vector against multiple queries and combines
// the per-query similarities with the given strategy. weights is required
// for EnsembleWeighted and must match queries in length; other strategies
// ignore it.
func (ix *Index) SearchEnsemble(queries [][]float32, weights []float64, strategy string, opts SearchOptions) ([]Result, error) {
	if len(queries) == 0 {
		return []Result{}, nil
	}
	switch strategy {
	case EnsembleMean, EnsembleMax:
	case EnsembleWeighted:
		if len(weights) != len(queries) {
			return nil, fmt.Errorf("vector index: %d weights for %d queries", len(weights), len(queries))
		}
	default:
		return nil, fmt.Errorf("vector index: unknown ensemble strategy %q", strategy)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if len(ix.vectors) == 0 {
		return []Result{}, nil
	}
	for i, q := range queries {
		if len(q) != ix.dim {
			return nil, fmt.Errorf("vector index: query %d dimension %d, index dimension %d", i, len(q), ix.dim)
		}
	}
	if opts.Limit <= 0 || opts.Threshold > 1 {
		return []Result{}, nil
	}

	var weightSum float64
	if strategy == EnsembleWeighted {
		for _, w := range weights {
			weightSum += w
		}
		if weightSum == 0 {
			return nil, fmt.Errorf("vector index: ensemble weights sum to zero")
		}
	}

	scores := make(map[string]float64, len(ix.vectors))
	for id, v := range ix.vectors {
		var combined float64
		for i, q := range queries {
			sim, err := embedding.CosineSimilarity(q, v)
			if err != nil {
				return nil, err
			}
			switch strategy {
			case EnsembleMean:
				combined += sim / float64(len(queries))
			case EnsembleWeighted:
				combined += sim * weights[i] / weightSum
			case EnsembleMax:
				if i == 0 || sim > combined {
					combined = sim
				}
			}
		}
		scores[id] = combined
	}
	return rank(scores, opts), nil
}

// rank orders scores descending with ID-ascending tie-break, applies the
// threshold, and truncates to the limit.
func rank(scores map[string]float64, opts SearchOptions) []Result {
	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		if score < opts.Threshold {
			continue
		}
		r := Result{ID: id, Score: score}
		if opts.IncludeDistance {
			r.Distance = 1 - score
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}
