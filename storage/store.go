// Package storage provides last-write-wins key-value persistence for
// agent state: an in-memory store for tests and simulation, and a
// PostgreSQL-backed store for production. The core packages treat keys
// and values as opaque bytes.
package storage

import "context"

// Stats summarizes a store's contents.
type Stats struct {
	Keys       int   `json:"keys"`
	TotalBytes int64 `json:"total_bytes"`
}

// Store is a last-write-wins key-value store. No transactional
// guarantees are assumed; batch operations are not atomic.
type Store interface {
	// Store writes a value, replacing any prior value at the key.
	Store(ctx context.Context, key string, value []byte) error
	// Retrieve returns the value at the key, or (nil, false, nil) when
	// absent.
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	// Remove deletes the key, reporting whether it was present.
	Remove(ctx context.Context, key string) (bool, error)
	// ListKeys returns all keys with the given prefix; the empty prefix
	// lists everything.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// StoreBatch writes every pair; a failure may leave earlier pairs
	// written.
	StoreBatch(ctx context.Context, pairs map[string][]byte) error
	// RetrieveBatch returns the present subset of the requested keys.
	RetrieveBatch(ctx context.Context, keys []string) (map[string][]byte, error)
	// ClearAll removes every key.
	ClearAll(ctx context.Context) error
	// Stats summarizes the store.
	Stats(ctx context.Context) (Stats, error)
}
