package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorSearchOrdersBySimilarity(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	vectors := NewVectorRepo(3)
	require.NoError(t, vectors.Store(db, "evt_a", "ws_1", []float32{1, 0, 0}))
	require.NoError(t, vectors.Store(db, "evt_b", "ws_1", []float32{0.9, 0.1, 0}))
	require.NoError(t, vectors.Store(db, "evt_c", "ws_2", []float32{0, 1, 0}))

	matches, err := vectors.Search(db, []float32{1, 0, 0}, 2, VectorFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "evt_a", matches[0].EventID)
	assert.Equal(t, "evt_b", matches[1].EventID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}

func TestVectorSearchWorkspaceFilters(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	vectors := NewVectorRepo(2)
	require.NoError(t, vectors.Store(db, "evt_a", "ws_1", []float32{1, 0}))
	require.NoError(t, vectors.Store(db, "evt_b", "ws_2", []float32{1, 0}))

	matches, err := vectors.Search(db, []float32{1, 0}, 10, VectorFilter{
		IncludeWorkspaces: []string{"ws_1"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "evt_a", matches[0].EventID)

	matches, err = vectors.Search(db, []float32{1, 0}, 10, VectorFilter{
		ExcludeWorkspaces: []string{"ws_1"},
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "evt_b", matches[0].EventID)
}

func TestVectorSearchMinSimilarity(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	vectors := NewVectorRepo(2)
	require.NoError(t, vectors.Store(db, "evt_close", "ws_1", []float32{1, 0}))
	require.NoError(t, vectors.Store(db, "evt_far", "ws_1", []float32{0, 1}))

	matches, err := vectors.Search(db, []float32{1, 0}, 10, VectorFilter{
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "evt_close", matches[0].EventID)
}

func TestVectorDimensionMismatch(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	vectors := NewVectorRepo(3)
	err = vectors.Store(db, "evt_a", "ws_1", []float32{1, 0})
	assert.ErrorIs(t, err, ErrConstraintViolation)

	_, err = vectors.Search(db, []float32{1, 0}, 5, VectorFilter{})
	assert.ErrorIs(t, err, ErrConstraintViolation)
}

func TestVectorUpsertReplaces(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	vectors := NewVectorRepo(2)
	require.NoError(t, vectors.Store(db, "evt_a", "ws_1", []float32{1, 0}))
	require.NoError(t, vectors.Store(db, "evt_a", "ws_1", []float32{0, 1}))

	matches, err := vectors.Search(db, []float32{0, 1}, 1, VectorFilter{})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-9)
}
