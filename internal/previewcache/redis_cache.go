// Package previewcache caches resolved contracts in Redis. Resolution is a
// pure function of brief, rule set version and override, and all three are
// immutable for a given key, so entries only ever expire by TTL.
package previewcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"talewise/api/internal/rules"
)

type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects to redisURL and verifies the connection.
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisCacheWithClient(client, ttl), nil
}

func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{
		client: client,
		prefix: "preview:",
		ttl:    ttl,
	}
}

// Key builds the cache key for one resolution.
func (c *RedisCache) Key(briefID, ruleSetVersion, overrideHash string) string {
	return c.prefix + briefID + ":" + ruleSetVersion + ":" + overrideHash
}

// Get returns the cached contract and whether it was present.
func (c *RedisCache) Get(ctx context.Context, briefID, ruleSetVersion, overrideHash string) (rules.Contract, bool, error) {
	raw, err := c.client.Get(ctx, c.Key(briefID, ruleSetVersion, overrideHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rules.Contract{}, false, nil
	}
	if err != nil {
		return rules.Contract{}, false, fmt.Errorf("get preview: %w", err)
	}

	var contract rules.Contract
	if err := json.Unmarshal(raw, &contract); err != nil {
		return rules.Contract{}, false, fmt.Errorf("unmarshal preview: %w", err)
	}
	return contract, true, nil
}

func (c *RedisCache) Put(ctx context.Context, briefID string, overrideHash string, contract rules.Contract) error {
	raw, err := json.Marshal(contract)
	if err != nil {
		return fmt.Errorf("marshal preview: %w", err)
	}
	key := c.Key(briefID, contract.RuleSetVersion, overrideHash)
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
