package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := NewClient(context.Background(), Config{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("connects", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		assert.NoError(t, client.Health(context.Background()))
	})

	t.Run("requires url", func(t *testing.T) {
		_, err := NewClient(context.Background(), Config{})
		assert.Error(t, err)
	})

	t.Run("rejects bad url", func(t *testing.T) {
		_, err := NewClient(context.Background(), Config{URL: "http://localhost"})
		assert.Error(t, err)
	})

	t.Run("fails when server is down", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		_, err = NewClient(context.Background(), Config{URL: "redis://" + addr, DialTimeout: 200 * time.Millisecond})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})
}

func TestClient_GetSet(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	val, err := client.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, val)

	require.NoError(t, client.SetEX(ctx, "k", []byte{0x00, 0x01, 0xff}, 30*time.Second))

	val, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, val)
	assert.Equal(t, 30*time.Second, mr.TTL("k"))

	mr.FastForward(31 * time.Second)
	val, err = client.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestClient_GetError(t *testing.T) {
	client, mr := setupTestRedis(t)
	mr.SetError("LOADING server is loading")

	_, err := client.Get(context.Background(), "k")
	assert.Error(t, err)
}
