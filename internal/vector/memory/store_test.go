package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-engine/backend/internal/vector"
)

func TestStoreSearchAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateCollection(ctx, "c", 2, false))

	require.NoError(t, s.Upsert(ctx, "c", []vector.Point{
		{ID: "p1", Vector: []float32{1, 0}, Payload: map[string]any{"asset_id": "a", "chunk_order": 1}},
		{ID: "p2", Vector: []float32{0, 1}, Payload: map[string]any{"asset_id": "a", "chunk_order": 2}},
		{ID: "p3", Vector: []float32{1, 1}, Payload: map[string]any{"asset_id": "b", "chunk_order": 1}},
	}, true))

	hits, err := s.Search(ctx, "c", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "p1", hits[0].ID)
	assert.Equal(t, "p3", hits[1].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)

	filtered, err := s.Search(ctx, "c", []float32{1, 0}, 10, &vector.Filter{Match: map[string]any{"asset_id": "a"}})
	require.NoError(t, err)
	assert.Len(t, filtered, 2)

	dups, err := s.SearchByFilter(ctx, "c", vector.Filter{Any: []map[string]any{
		{"asset_id": "a", "chunk_order": 2},
		{"asset_id": "b", "chunk_order": 9},
	}}, 10)
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "p2", dups[0].ID)
}

func TestStoreDeleteByFilterAndReset(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateCollection(ctx, "c", 1, false))
	require.NoError(t, s.Upsert(ctx, "c", []vector.Point{
		{ID: "p1", Vector: []float32{1}, Payload: map[string]any{"asset_id": "a"}},
		{ID: "p2", Vector: []float32{1}, Payload: map[string]any{"asset_id": "b"}},
	}, true))

	require.NoError(t, s.DeleteByFilter(ctx, "c", vector.Filter{Match: map[string]any{"asset_id": "a"}}))
	assert.Equal(t, 1, s.Count("c"))

	require.NoError(t, s.CreateCollection(ctx, "c", 1, false))
	assert.Equal(t, 1, s.Count("c"))

	require.NoError(t, s.CreateCollection(ctx, "c", 1, true))
	assert.Equal(t, 0, s.Count("c"))
}

func TestStoreMissingCollection(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.Search(ctx, "nope", []float32{1}, 1, nil)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	err = s.Upsert(ctx, "nope", []vector.Point{{ID: "x", Vector: []float32{1}}}, true)
	assert.ErrorIs(t, err, vector.ErrCollectionNotFound)

	assert.NoError(t, s.DeleteByFilter(ctx, "nope", vector.Filter{}))
	assert.NoError(t, s.DropCollection(ctx, "nope"))

	exists, err := s.CollectionExists(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreRejectsDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.CreateCollection(ctx, "c", 2, false))

	assert.Error(t, s.Upsert(ctx, "c", []vector.Point{{ID: "x", Vector: []float32{1}}}, true))
	assert.Error(t, s.CreateCollection(ctx, "c", 3, false))
}
