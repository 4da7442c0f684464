// Package cache provides the optional model-catalog cache.
//
// The model resolver fetches the upstream catalog on every request by
// default; deployments that resolve dynamically under load can put a short
// TTL cache in front of the fetch. Two backends are available:
//
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//   - RedisCache  — Redis-backed, shared across replicas.
//
// Both implement the Cache interface so they are fully interchangeable.
// There is exactly one logical entry per upstream API version; values are
// the raw catalog JSON as returned by the provider.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
