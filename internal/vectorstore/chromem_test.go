package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPoints() []Point {
	return []Point{
		{ID: "p-1", Vector: []float32{1, 0, 0}, Content: "A fine widget.", Metadata: map[string]any{"kind": "product"}},
		{ID: "p-2", Vector: []float32{0, 1, 0}, Content: "A finer gadget.", Metadata: map[string]any{"kind": "product"}},
		{ID: "o-1", Vector: []float32{0, 0, 1}, Content: "Order 1001.", Metadata: map[string]any{"kind": "order"}},
	}
}

func TestChromemUpsertAndQuery(t *testing.T) {
	s := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", testPoints()))

	n, err := s.Count(ctx, "store_acme_catalog")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Query(ctx, "store_acme_catalog", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p-1", results[0].ID)
	assert.Equal(t, "A fine widget.", results[0].Content)
	assert.Equal(t, "product", results[0].Metadata["kind"])
}

func TestChromemUpsertOverwritesByID(t *testing.T) {
	s := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", testPoints()))
	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", []Point{
		{ID: "p-1", Vector: []float32{1, 0, 0}, Content: "An updated widget."},
	}))

	n, err := s.Count(ctx, "store_acme_catalog")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	results, err := s.Query(ctx, "store_acme_catalog", []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "An updated widget.", results[0].Content)
}

func TestChromemUpsertEmptyBatch(t *testing.T) {
	s := newTestChromemStore(t)
	err := s.Upsert(context.Background(), "store_acme_catalog", nil)
	require.ErrorIs(t, err, ErrEmptyBatch)
}

func TestChromemQueryMissingNamespace(t *testing.T) {
	s := newTestChromemStore(t)
	_, err := s.Query(context.Background(), "store_ghost_catalog", []float32{1, 0, 0}, 5)
	require.ErrorIs(t, err, ErrNamespaceNotFound)
}

func TestChromemQueryClampsK(t *testing.T) {
	s := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", testPoints()))

	results, err := s.Query(ctx, "store_acme_catalog", []float32{0, 1, 0}, 50)
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestChromemNamespaceIsolation(t *testing.T) {
	s := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", testPoints()[:1]))
	require.NoError(t, s.Upsert(ctx, "store_globex_catalog", testPoints()[1:]))

	n, err := s.Count(ctx, "store_acme_catalog")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Count(ctx, "store_globex_catalog")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestChromemDeleteNamespace(t *testing.T) {
	s := newTestChromemStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "store_acme_catalog", testPoints()))
	require.NoError(t, s.DeleteNamespace(ctx, "store_acme_catalog"))

	n, err := s.Count(ctx, "store_acme_catalog")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Deleting again is a no-op.
	require.NoError(t, s.DeleteNamespace(ctx, "store_acme_catalog"))
}

func TestFactoryDefaultsToChromem(t *testing.T) {
	s, err := NewStore(Config{Chromem: ChromemConfig{Path: t.TempDir()}}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, ok := s.(*ChromemStore)
	assert.True(t, ok)
}

func TestFactoryRejectsUnknownProvider(t *testing.T) {
	_, err := NewStore(Config{Provider: "pinecone"}, nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
