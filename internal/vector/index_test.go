package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedIndex(t *testing.T) *Index {
	t.Helper()
	ix := New()
	require.NoError(t, ix.Add("a", []float32{1, 0}))
	require.NoError(t, ix.Add("b", []float32{0, 1}))
	require.NoError(t, ix.Add("c", []float32{0.7071, 0.7071}))
	return ix
}

func TestSearchRanking(t *testing.T) {
	ix := seedIndex(t)

	results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	assert.Equal(t, "c", results[1].ID)
	assert.Equal(t, "b", results[2].ID)
}

func TestSearchThreshold(t *testing.T) {
	ix := seedIndex(t)

	results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 10, Threshold: 0.5})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "c", results[1].ID)

	// A threshold above 1 matches nothing.
	results, err = ix.Search([]float32{1, 0}, SearchOptions{Limit: 10, Threshold: 1.5})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchTieBreaksByID(t *testing.T) {
	ix := New()
	require.NoError(t, ix.Add("zebra", []float32{1, 0}))
	require.NoError(t, ix.Add("apple", []float32{1, 0}))
	require.NoError(t, ix.Add("mango", []float32{1, 0}))

	results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "apple", results[0].ID)
	assert.Equal(t, "mango", results[1].ID)
	assert.Equal(t, "zebra", results[2].ID)
}

func TestSearchEdgeCases(t *testing.T) {
	ix := New()

	// Empty index returns empty, not an error.
	results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, ix.Add("a", []float32{1, 0}))

	// Dimension mismatch is an error.
	_, err = ix.Search([]float32{1, 0, 0}, SearchOptions{Limit: 10})
	assert.Error(t, err)

	// Zero limit yields nothing.
	results, err = ix.Search([]float32{1, 0}, SearchOptions{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestAddUpdateRemove(t *testing.T) {
	ix := New()
	require.NoError(t, ix.Add("a", []float32{1, 0}))

	// Duplicate add is a conflict.
	assert.Error(t, ix.Add("a", []float32{0, 1}))

	// Dimension is fixed by the first add.
	assert.Error(t, ix.Add("b", []float32{1, 0, 0}))

	require.NoError(t, ix.Update("a", []float32{0, 1}))
	results, err := ix.Search([]float32{0, 1}, SearchOptions{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, results[0].Score, 1e-6)

	ix.Remove("a")
	ix.Remove("never-there") // no-op
	assert.Equal(t, 0, ix.Stats().Count)

	ix.Clear()
	// Dimension resets after Clear.
	require.NoError(t, ix.Add("x", []float32{1, 2, 3}))
	assert.Equal(t, 3, ix.Stats().Dimension)
}

func TestIncludeDistance(t *testing.T) {
	ix := seedIndex(t)
	results, err := ix.Search([]float32{1, 0}, SearchOptions{Limit: 1, IncludeDistance: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.0, results[0].Distance, 1e-6)
}

func TestSearchEnsemble(t *testing.T) {
	ix := seedIndex(t)
	queries := [][]float32{{1, 0}, {0, 1}}

	t.Run("mean", func(t *testing.T) {
		results, err := ix.SearchEnsemble(queries, nil, EnsembleMean, SearchOptions{Limit: 10})
		require.NoError(t, err)
		require.Len(t, results, 3)
		// c is equidistant from both queries and wins on the mean.
		assert.Equal(t, "c", results[0].ID)
	})

	t.Run("max", func(t *testing.T) {
		results, err := ix.SearchEnsemble(queries, nil, EnsembleMax, SearchOptions{Limit: 10})
		require.NoError(t, err)
		require.Len(t, results, 3)
		// a and b each hit 1.0 on one query; tie broken by ID.
		assert.Equal(t, "a", results[0].ID)
		assert.Equal(t, "b", results[1].ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
	})

	t.Run("weighted", func(t *testing.T) {
		results, err := ix.SearchEnsemble(queries, []float64{1, 0}, EnsembleWeighted, SearchOptions{Limit: 1})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "a", results[0].ID)
	})

	t.Run("weighted requires matching weights", func(t *testing.T) {
		_, err := ix.SearchEnsemble(queries, []float64{1}, EnsembleWeighted, SearchOptions{Limit: 10})
		assert.Error(t, err)
	})

	t.Run("unknown strategy", func(t *testing.T) {
		_, err := ix.SearchEnsemble(queries, nil, "median", SearchOptions{Limit: 10})
		assert.Error(t, err)
	})

	t.Run("no queries", func(t *testing.T) {
		results, err := ix.SearchEnsemble(nil, nil, EnsembleMean, SearchOptions{Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}
