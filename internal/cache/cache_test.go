package cache

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenbridge/internal/common/logging"
	"tokenbridge/internal/crypto"
	"tokenbridge/internal/models"
)

var testNow = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func newCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	codec, err := crypto.NewCodec(key)
	require.NoError(t, err)
	return codec
}

func newStore(t *testing.T, backend Backend, codec *crypto.Codec) *Store {
	t.Helper()
	return New(backend, codec,
		WithLogger(logging.NewNopLogger()),
		WithClock(func() time.Time { return testNow }),
	)
}

func tokenExpiringIn(d time.Duration) models.Token {
	return models.Token{
		Value:      "secret-token-value",
		IssueTime:  testNow.Add(-time.Minute),
		ExpireTime: testNow.Add(d),
	}
}

// recordingBackend wraps MemoryBackend and records writes.
type recordingBackend struct {
	*MemoryBackend
	mu   sync.Mutex
	ttls map[string]time.Duration
	fail error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{MemoryBackend: NewMemoryBackend(time.Minute), ttls: map[string]time.Duration{}}
}

func (r *recordingBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	return r.MemoryBackend.Get(ctx, key)
}

func (r *recordingBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if r.fail != nil {
		return r.fail
	}
	r.mu.Lock()
	r.ttls[key] = ttl
	r.mu.Unlock()
	return r.MemoryBackend.Set(ctx, key, value, ttl)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "tokenbridge:token:billing:ledger", TokenKey("billing", "ledger"))
	assert.Equal(t, "tokenbridge:jwks:billing:ledger", KeySetKey("billing", "ledger"))
}

func TestTTLFor(t *testing.T) {
	assert.Equal(t, 5*time.Second, TTLFor(tokenExpiringIn(5*time.Second), testNow))
	assert.Equal(t, 5*time.Second, TTLFor(tokenExpiringIn(4*time.Second+time.Millisecond), testNow))
	assert.Equal(t, time.Second, TTLFor(tokenExpiringIn(time.Nanosecond), testNow))
	assert.Equal(t, time.Duration(0), TTLFor(tokenExpiringIn(0), testNow))
	assert.Equal(t, time.Duration(0), TTLFor(tokenExpiringIn(-time.Second), testNow))
}

func TestStore_TokenRoundTrip(t *testing.T) {
	backend := newRecordingBackend()
	store := newStore(t, backend, newCodec(t))
	ctx := context.Background()

	_, ok := store.GetToken(ctx, "billing", "ledger")
	assert.False(t, ok)

	tok := tokenExpiringIn(90*time.Second + 300*time.Millisecond)
	require.NoError(t, store.PutToken(ctx, "billing", "ledger", tok))

	got, ok := store.GetToken(ctx, "billing", "ledger")
	require.True(t, ok)
	assert.Equal(t, tok.Value, got.Value)
	assert.True(t, tok.ExpireTime.Equal(got.ExpireTime))
	assert.True(t, tok.IssueTime.Equal(got.IssueTime))

	assert.Equal(t, 91*time.Second, backend.ttls[TokenKey("billing", "ledger")])

	_, ok = store.GetToken(ctx, "billing", "other")
	assert.False(t, ok)
}

func TestStore_NoPlaintextInBackend(t *testing.T) {
	backend := newRecordingBackend()
	store := newStore(t, backend, newCodec(t))
	ctx := context.Background()

	require.NoError(t, store.PutToken(ctx, "a", "b", tokenExpiringIn(time.Hour)))

	blob, err := backend.MemoryBackend.Get(ctx, TokenKey("a", "b"))
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.False(t, bytes.Contains(blob, []byte("secret-token-value")))
}

func TestStore_ExpiredTokenIsMiss(t *testing.T) {
	backend := newRecordingBackend()
	codec := newCodec(t)
	store := newStore(t, backend, codec)
	ctx := context.Background()

	// Expired tokens are never written.
	require.NoError(t, store.PutToken(ctx, "a", "b", tokenExpiringIn(-time.Second)))
	_, written := backend.ttls[TokenKey("a", "b")]
	assert.False(t, written)

	// A stale entry left by a backend without TTL is still a miss.
	blob, err := codec.Seal(tokenExpiringIn(-time.Second))
	require.NoError(t, err)
	require.NoError(t, backend.MemoryBackend.Set(ctx, TokenKey("a", "b"), blob, time.Hour))

	_, ok := store.GetToken(ctx, "a", "b")
	assert.False(t, ok)
}

func TestStore_CorruptedBlobIsMiss(t *testing.T) {
	backend := newRecordingBackend()
	store := newStore(t, backend, newCodec(t))
	ctx := context.Background()

	require.NoError(t, store.PutToken(ctx, "a", "b", tokenExpiringIn(time.Hour)))
	blob, err := backend.MemoryBackend.Get(ctx, TokenKey("a", "b"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xff
	require.NoError(t, backend.MemoryBackend.Set(ctx, TokenKey("a", "b"), blob, time.Hour))

	got, ok := store.GetToken(ctx, "a", "b")
	assert.False(t, ok)
	assert.True(t, got.IsZero())

	require.NoError(t, backend.MemoryBackend.Set(ctx, TokenKey("a", "b"), []byte("garbage"), time.Hour))
	_, ok = store.GetToken(ctx, "a", "b")
	assert.False(t, ok)
}

func TestStore_WrongKeyIsMiss(t *testing.T) {
	backend := newRecordingBackend()
	ctx := context.Background()

	writer := newStore(t, backend, newCodec(t))
	reader := newStore(t, backend, newCodec(t))

	require.NoError(t, writer.PutToken(ctx, "a", "b", tokenExpiringIn(time.Hour)))

	_, ok := reader.GetToken(ctx, "a", "b")
	assert.False(t, ok)
}

func TestStore_InvalidRecordIsMiss(t *testing.T) {
	backend := newRecordingBackend()
	codec := newCodec(t)
	store := newStore(t, backend, codec)
	ctx := context.Background()

	backwards := models.Token{
		Value:      "x",
		IssueTime:  testNow.Add(2 * time.Hour),
		ExpireTime: testNow.Add(time.Hour),
	}
	blob, err := codec.Seal(backwards)
	require.NoError(t, err)
	require.NoError(t, backend.MemoryBackend.Set(ctx, TokenKey("a", "b"), blob, time.Hour))

	_, ok := store.GetToken(ctx, "a", "b")
	assert.False(t, ok)

	assert.Error(t, store.PutToken(ctx, "a", "b", backwards))
}

func TestStore_BackendErrors(t *testing.T) {
	backend := newRecordingBackend()
	store := newStore(t, backend, newCodec(t))
	ctx := context.Background()

	backend.fail = fmt.Errorf("connection reset")

	_, ok := store.GetToken(ctx, "a", "b")
	assert.False(t, ok)

	_, ok = store.GetKeySet(ctx, "a", "b")
	assert.False(t, ok)

	err := store.PutToken(ctx, "a", "b", tokenExpiringIn(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend write failed")
}

func TestStore_KeySet(t *testing.T) {
	backend := newRecordingBackend()
	store := newStore(t, backend, newCodec(t))
	ctx := context.Background()

	ks := models.KeySet{
		Keys:      []models.Key{{Kty: models.KeyTypeRSA, Kid: "k1", N: "abc", E: "AQAB"}},
		FetchedAt: testNow,
	}

	_, ok := store.GetKeySet(ctx, "a", "b")
	assert.False(t, ok)

	require.NoError(t, store.PutKeySet(ctx, "a", "b", ks, time.Hour))
	assert.Equal(t, time.Hour, backend.ttls[KeySetKey("a", "b")])

	got, ok := store.GetKeySet(ctx, "a", "b")
	require.True(t, ok)
	assert.Equal(t, []string{"k1"}, got.Kids())

	assert.Error(t, store.PutKeySet(ctx, "a", "b", ks, 0))

	_, ok = store.GetToken(ctx, "a", "b")
	assert.False(t, ok, "key set and token live under different keys")
}

func TestMemoryBackend(t *testing.T) {
	m := NewMemoryBackend(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	v[0] = 'x'
	v, _ = m.Get(ctx, "k")
	assert.Equal(t, []byte("v"), v, "Get must return a copy")

	time.Sleep(30 * time.Millisecond)
	v, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, m.Set(ctx, "k", []byte("v"), 0))
	v, _ = m.Get(ctx, "k")
	assert.Nil(t, v)

	assert.Equal(t, "inmemory", m.Name())
	assert.NoError(t, m.Close())
}
