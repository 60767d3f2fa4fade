package testutil

import (
	"testing"
	"time"

	"tokenbridge/internal/cache"
	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/crypto"
)

// NewCodec returns a codec over a fresh random key.
func NewCodec(t testing.TB) *crypto.Codec {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := crypto.NewCodec(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

// NewMemoryCache returns an in-process encrypted cache closed when t ends.
func NewMemoryCache(t testing.TB) *cache.Store {
	t.Helper()
	store := cache.New(cache.NewMemoryBackend(time.Minute), NewCodec(t),
		cache.WithLogger(logging.NewNopLogger()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}
