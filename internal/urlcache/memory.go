package urlcache

import (
	"context"
	"sync"
	"time"
)

// Cache is the surface shared by the redis and memory implementations.
type Cache interface {
	Get(ctx context.Context, libraryKey, itemKey string) (string, time.Time, bool, error)
	Put(ctx context.Context, libraryKey, itemKey, url string, issued time.Time) error
	Invalidate(ctx context.Context, libraryKey, itemKey string) error
}

// MemoryCache is an in-process cache for single-node runs and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedURL
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &MemoryCache{
		entries: map[string]cachedURL{},
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) key(libraryKey, itemKey string) string {
	return libraryKey + ":" + itemKey
}

func (c *MemoryCache) Put(ctx context.Context, libraryKey, itemKey, url string, issued time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(libraryKey, itemKey)] = cachedURL{URL: url, IssuedAt: issued}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, libraryKey, itemKey string) (string, time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.entries[c.key(libraryKey, itemKey)]
	if !ok {
		return "", time.Time{}, false, nil
	}
	if c.now().Sub(cached.IssuedAt) >= c.ttl {
		delete(c.entries, c.key(libraryKey, itemKey))
		return "", time.Time{}, false, nil
	}
	return cached.URL, cached.IssuedAt, true, nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, libraryKey, itemKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.key(libraryKey, itemKey))
	return nil
}
