package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, ok, err := store.Retrieve(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Store(ctx, "alpha", []byte("one")))
	require.NoError(t, store.Store(ctx, "alpha", []byte("two")))

	value, ok, err := store.Retrieve(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("two"), value)

	exists, err := store.Exists(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, exists)

	removed, err := store.Remove(ctx, "alpha")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.Remove(ctx, "alpha")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestMemoryStorePrefixListing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.StoreBatch(ctx, map[string][]byte{
		"journal/1": []byte("a"),
		"journal/2": []byte("b"),
		"tree/root": []byte("c"),
	}))

	keys, err := store.ListKeys(ctx, "journal/")
	require.NoError(t, err)
	require.Equal(t, []string{"journal/1", "journal/2"}, keys)

	keys, err = store.ListKeys(ctx, "")
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

func TestMemoryStoreBatchAndStats(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.StoreBatch(ctx, map[string][]byte{
		"a": []byte("xx"),
		"b": []byte("yyy"),
		"c": []byte("z"),
	}))

	values, err := store.RetrieveBatch(ctx, []string{"a", "c", "missing"})
	require.NoError(t, err)
	require.Equal(t, map[string][]byte{"a": []byte("xx"), "c": []byte("z")}, values)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, Stats{Keys: 3, TotalBytes: 6}, stats)

	require.NoError(t, store.ClearAll(ctx))
	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Keys)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	original := []byte("immutable")
	require.NoError(t, store.Store(ctx, "key", original))
	original[0] = 'X'

	value, ok, err := store.Retrieve(ctx, "key")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("immutable"), value)

	// Mutating the returned slice must not affect the store.
	value[0] = 'Y'
	again, _, err := store.Retrieve(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("immutable"), again)
}
