package cache

import (
	"context"
	"time"

	"tokenbridge/internal/redis"
)

// RedisBackend stores blobs in Redis with SET ... EX so entries that are not
// refreshed are evicted by the server.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps a connected client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// DialRedis connects to url and returns a backend.
func DialRedis(ctx context.Context, url string) (*RedisBackend, error) {
	client, err := redis.NewClient(ctx, redis.Config{URL: url})
	if err != nil {
		return nil, err
	}
	return NewRedisBackend(client), nil
}

// Get returns the blob at key, or nil when absent.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return r.client.Get(ctx, key)
}

// Set stores value at key for ttl. Redis rejects a non-positive expiry, so
// such writes are dropped.
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return r.client.SetEX(ctx, key, value, ttl)
}

// Name returns "redis".
func (r *RedisBackend) Name() string {
	return "redis"
}

// Close closes the connection pool.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
