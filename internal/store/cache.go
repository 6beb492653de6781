/**
 * @description
 * This file implements the short-TTL read cache consulted by the admin query
 * surface. The cache is strictly for idempotent reads: lifecycle-mutating
 * operations never read through it, so it is never a source of truth for
 * state transitions. Cache failures degrade to a database read.
 *
 * @dependencies
 * - github.com/redis/go-redis/v9: Redis client.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReadCache is a get/set-with-TTL capability injected into read-heavy paths.
type ReadCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// RedisReadCache implements ReadCache over Redis with JSON values.
type RedisReadCache struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisReadCache(client redis.UniversalClient, prefix string) *RedisReadCache {
	if prefix == "" {
		prefix = "lending:read_cache"
	}
	return &RedisReadCache{client: client, prefix: prefix}
}

func (c *RedisReadCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.client.Get(ctx, fmt.Sprintf("%s:%s", c.prefix, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, err
	}
	return true, nil
}

// Set is best-effort; a cache write failure is logged, not propagated.
func (c *RedisReadCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		log.Printf("level=warn component=read_cache msg=\"cache encode failed\" key=%s err=%v", key, err)
		return
	}
	if err := c.client.Set(ctx, fmt.Sprintf("%s:%s", c.prefix, key), raw, ttl).Err(); err != nil {
		log.Printf("level=warn component=read_cache msg=\"cache set failed\" key=%s err=%v", key, err)
	}
}

// NoopReadCache is used when Redis is not configured; every Get misses.
type NoopReadCache struct{}

func (NoopReadCache) Get(ctx context.Context, key string, dest any) (bool, error) { return false, nil }
func (NoopReadCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {}
