// Package ratelimit bounds check-in attempts per user across instances
// (Redis) and requests per client address within one instance.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

type Decision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter decides whether subject may make another attempt in scope.
type Limiter interface {
	Allow(ctx context.Context, scope, subject string) (Decision, error)
}

// RedisLimiter is a fixed-window counter shared by every instance.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisLimiter {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "attendance:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (r *RedisLimiter) Allow(ctx context.Context, scope, subject string) (Decision, error) {
	if r == nil || r.client == nil || r.limit <= 0 || r.window <= 0 {
		return Decision{Allowed: true}, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return Decision{Allowed: true}, nil
	}
	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)
	raw, err := fixedWindowScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return Decision{}, err
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return Decision{}, fmt.Errorf("unexpected limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	d := Decision{Allowed: int(count) <= r.limit, Count: int(count)}
	if !d.Allowed {
		seconds := math.Ceil(float64(ttlMs) / 1000.0)
		if seconds < 1 {
			seconds = 1
		}
		d.RetryAfter = time.Duration(seconds) * time.Second
	}
	return d, nil
}
