// Package cache provides the keyed TTL caches used for notification debounce.
package cache

import (
	"context"
	"sync"
	"time"

	"teleconsult/pkg/clock"
	"teleconsult/pkg/interfaces"
)

var _ interfaces.KeyedCache = (*MemoryCache)(nil)

type item struct {
	value     string
	expiresAt time.Time
}

// MemoryCache is a per-process KeyedCache. Expired keys are dropped lazily.
type MemoryCache struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]item
}

// NewMemoryCache creates an empty cache reading time from clk.
func NewMemoryCache(clk clock.Clock) *MemoryCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryCache{clock: clk, items: make(map[string]item)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.liveLocked(key)
	if !ok {
		return "", interfaces.ErrCacheMiss
	}
	return it.value, nil
}

func (c *MemoryCache) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.liveLocked(key); ok {
		return false, nil
	}
	c.items[key] = item{value: value, expiresAt: c.clock.Now().Add(ttl)}
	return true, nil
}

func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	return nil
}

func (c *MemoryCache) Ping(context.Context) error { return nil }

func (c *MemoryCache) Close() error { return nil }

// Len returns the number of live keys.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.items {
		if _, ok := c.liveLocked(k); ok {
			n++
		}
	}
	return n
}

func (c *MemoryCache) liveLocked(key string) (item, bool) {
	it, ok := c.items[key]
	if !ok {
		return item{}, false
	}
	if !c.clock.Now().Before(it.expiresAt) {
		delete(c.items, key)
		return item{}, false
	}
	return it, true
}
