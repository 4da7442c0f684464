package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultQueryTimeout = 500 * time.Millisecond

// RedisCache is a Redis-backed catalog cache.
//
// All operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error, so the resolver falls back to a live
//     catalog fetch instead of failing the request.
//   - Delete returns the underlying error so callers can log it.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps an existing Redis client.
// The caller owns the client lifecycle (creation and Close).
func NewRedisCacheFromClient(cli *redis.Client) *RedisCache {
	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a client, verifies the
// connection with a PING, and returns a RedisCache.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, queryTimeout: defaultQueryTimeout}, nil
}

// Get retrieves the value for key. Returns (data, true) on a hit and
// (nil, false) on a miss or any error. Redis errors are logged at WARN.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "catalog_cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL. Returns nil even on Redis
// error — the resolver must never fail because the cache layer is down.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "catalog_cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key. Returns the underlying error.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
