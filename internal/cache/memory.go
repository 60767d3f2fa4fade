package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryBackend keeps blobs in process memory using patrickmn/go-cache.
type MemoryBackend struct {
	cache *gocache.Cache
}

// NewMemoryBackend creates an in-process backend. Expired entries are
// swept every cleanupInterval and never returned in between.
func NewMemoryBackend(cleanupInterval time.Duration) *MemoryBackend {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryBackend{
		cache: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Get returns a copy of the stored blob.
func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, error) {
	v, found := m.cache.Get(key)
	if !found {
		return nil, nil
	}
	blob := v.([]byte)
	return append([]byte(nil), blob...), nil
}

// Set stores a copy of value for ttl. A non-positive ttl stores nothing.
func (m *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		m.cache.Delete(key)
		return nil
	}
	m.cache.Set(key, append([]byte(nil), value...), ttl)
	return nil
}

// Name returns "inmemory".
func (m *MemoryBackend) Name() string {
	return InMemory
}

// Close drops every entry.
func (m *MemoryBackend) Close() error {
	m.cache.Flush()
	return nil
}
