package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store in memory for testing and simulation.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string][]byte)}
}

// Store writes a value.
func (s *MemoryStore) Store(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Retrieve returns the value at the key.
func (s *MemoryStore) Retrieve(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

// Remove deletes the key.
func (s *MemoryStore) Remove(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.values[key]
	delete(s.values, key)
	return ok, nil
}

// ListKeys returns all keys with the given prefix, sorted.
func (s *MemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether the key is present.
func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok, nil
}

// StoreBatch writes every pair.
func (s *MemoryStore) StoreBatch(_ context.Context, pairs map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range pairs {
		s.values[key] = append([]byte(nil), value...)
	}
	return nil
}

// RetrieveBatch returns the present subset of the requested keys.
func (s *MemoryStore) RetrieveBatch(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string][]byte)
	for _, key := range keys {
		if value, ok := s.values[key]; ok {
			result[key] = append([]byte(nil), value...)
		}
	}
	return result, nil
}

// ClearAll removes every key.
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string][]byte)
	return nil
}

// Stats summarizes the store.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := Stats{Keys: len(s.values)}
	for _, value := range s.values {
		stats.TotalBytes += int64(len(value))
	}
	return stats, nil
}
