package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores speculative, pre-finality documents as redis hashes. Every field
// value is JSON encoded and every merge refreshes the key TTL.
type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a cache whose merges expire after ttl.
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		redis: redisClient,
		ttl:   ttl,
	}
}

// Merge adds fields to the document at key, keeping fields it does not mention.
func (c *Cache) Merge(ctx context.Context, key string, fields map[string]any) error {
	return c.MergeTTL(ctx, key, fields, c.ttl)
}

// MergeTTL is Merge with an explicit expiry.
func (c *Cache) MergeTTL(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for name, v := range fields {
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode field %s of %s: %w", name, key, err)
		}
		values = append(values, name, string(encoded))
	}

	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to merge %s: %w", key, err)
	}
	return nil
}

// Delete removes the whole document at key.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete %v: %w", keys, err)
	}
	return nil
}

// DeleteFields removes fields from the document at key. Redis drops the key once
// its last field is gone.
func (c *Cache) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := c.redis.HDel(ctx, key, fields...).Err(); err != nil {
		return fmt.Errorf("failed to delete fields %v of %s: %w", fields, key, err)
	}
	return nil
}

// Get returns the raw JSON fields of the document at key, or false when it does not exist.
func (c *Cache) Get(ctx context.Context, key string) (map[string]json.RawMessage, bool, error) {
	values, err := c.redis.HGetAll(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	doc := make(map[string]json.RawMessage, len(values))
	for name, v := range values {
		doc[name] = json.RawMessage(v)
	}
	return doc, true, nil
}

// GetField decodes a single field into target. It reports false when the field is absent.
func (c *Cache) GetField(ctx context.Context, key, field string, target any) (bool, error) {
	raw, err := c.redis.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s.%s: %w", key, field, err)
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return false, fmt.Errorf("failed to decode %s.%s: %w", key, field, err)
	}
	return true, nil
}

// Ping checks the redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}
