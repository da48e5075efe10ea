package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates and pings a Redis client with optional password auth.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return rdb, nil
}

// JSONCache stores JSON values under a key prefix with a fixed TTL.
type JSONCache struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewJSONCache(rdb redis.Cmdable, prefix string, ttl time.Duration) *JSONCache {
	return &JSONCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Get decodes the value stored under key into v. found is false on a miss.
func (c *JSONCache) Get(ctx context.Context, key string, v any) (found bool, err error) {
	data, err := c.rdb.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode cached value: %w", err)
	}
	return true, nil
}

// Set stores v under key.
func (c *JSONCache) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if err := c.rdb.Set(ctx, c.Key(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Key returns the full redis key for key. Keys are hashed so arbitrary user text is safe.
func (c *JSONCache) Key(key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.prefix + ":" + hex.EncodeToString(sum[:16])
}
