// Package urlcache caches signed attachment content URLs together with
// their issue time, so concurrent sessions inside the freshness window
// share one URL instead of each hitting the store.
package urlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type cachedURL struct {
	URL      string    `json:"url"`
	IssuedAt time.Time `json:"issued_at"`
}

// RedisCache implements the cache on Redis with a TTL equal to the
// freshness window.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisCache{
		client: client,
		prefix: "attachmenturl:",
		ttl:    ttl,
	}
}

func (c *RedisCache) key(libraryKey, itemKey string) string {
	return c.prefix + libraryKey + ":" + itemKey
}

// Put stores a signed URL under the attachment's key. The entry expires
// with the freshness window, so an expired entry can never be served.
func (c *RedisCache) Put(ctx context.Context, libraryKey, itemKey, url string, issued time.Time) error {
	data, err := json.Marshal(cachedURL{URL: url, IssuedAt: issued})
	if err != nil {
		return fmt.Errorf("marshal cached url: %w", err)
	}
	if err := c.client.Set(ctx, c.key(libraryKey, itemKey), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache attachment url: %w", err)
	}
	return nil
}

// Get returns the cached URL and its issue time. The third return value is
// false when no entry exists.
func (c *RedisCache) Get(ctx context.Context, libraryKey, itemKey string) (string, time.Time, bool, error) {
	data, err := c.client.Get(ctx, c.key(libraryKey, itemKey)).Result()
	if err == redis.Nil {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("lookup attachment url: %w", err)
	}

	var cached cachedURL
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		return "", time.Time{}, false, fmt.Errorf("unmarshal cached url: %w", err)
	}
	return cached.URL, cached.IssuedAt, true, nil
}

// Invalidate drops the cached URL for an attachment.
func (c *RedisCache) Invalidate(ctx context.Context, libraryKey, itemKey string) error {
	if err := c.client.Del(ctx, c.key(libraryKey, itemKey)).Err(); err != nil {
		return fmt.Errorf("invalidate attachment url: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
