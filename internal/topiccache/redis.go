package topiccache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores mappings under "<prefix>:topic:<userID>".
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisCache creates a RedisCache. An empty prefix defaults to "lotdesk".
func NewRedisCache(rdb redis.UniversalClient, prefix string) (*RedisCache, error) {
	if rdb == nil {
		return nil, fmt.Errorf("topiccache: redis client is required")
	}
	if prefix == "" {
		prefix = "lotdesk"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}, nil
}

func (c *RedisCache) key(userID string) string {
	return c.prefix + ":topic:" + userID
}

// Get returns the cached thread id for userID.
func (c *RedisCache) Get(ctx context.Context, userID string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, c.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("topiccache: get %s: %w", userID, err)
	}
	return v, true, nil
}

// Set stores the mapping with an expiry.
func (c *RedisCache) Set(ctx context.Context, userID, threadID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.key(userID), threadID, ttlOrDefault(ttl)).Err(); err != nil {
		return fmt.Errorf("topiccache: set %s: %w", userID, err)
	}
	return nil
}

// Delete removes the mapping.
func (c *RedisCache) Delete(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("topiccache: delete %s: %w", userID, err)
	}
	return nil
}
