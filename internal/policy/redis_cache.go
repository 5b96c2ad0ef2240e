package policy

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheKey = "attendance:policy"

type RedisCache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	key := defaultCacheKey
	if trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":"); trimmed != "" {
		key = trimmed + ":policy"
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, key: key, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) (Policy, bool, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Policy{}, false, nil
		}
		return Policy{}, false, err
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p Policy) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, payload, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
