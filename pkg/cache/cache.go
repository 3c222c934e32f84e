// Package cache is the process-local read cache for catalog and rate lookups.
// Entries always expire; persistence stays the source of truth.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Loader reads the authoritative value on a miss.
type Loader[V any] func(ctx context.Context) (V, error)

// TTL is a size-bounded cache with a required time-to-live.
type TTL[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	group singleflight.Group
	ttl   time.Duration
	key   func(K) string
}

// New builds a cache. keyFn renders K for load coalescing.
func New[K comparable, V any](size int, ttl time.Duration, keyFn func(K) string) (*TTL[K, V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if ttl <= 0 {
		return nil, errors.New("cache ttl must be positive")
	}
	if keyFn == nil {
		return nil, errors.New("cache key function is required")
	}
	return &TTL[K, V]{
		lru: expirable.NewLRU[K, V](size, nil, ttl),
		ttl: ttl,
		key: keyFn,
	}, nil
}

// GetOrLoad returns the cached value or loads, stores and returns it.
// Concurrent misses for one key share a single load. Load errors are not cached.
func (c *TTL[K, V]) GetOrLoad(ctx context.Context, key K, load Loader[V]) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	res, err, _ := c.group.Do(c.key(key), func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

func (c *TTL[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

func (c *TTL[K, V]) Purge() {
	c.lru.Purge()
}

func (c *TTL[K, V]) Len() int {
	return c.lru.Len()
}

func (c *TTL[K, V]) TTL() time.Duration {
	return c.ttl
}
