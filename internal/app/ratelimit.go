package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kessai/link-service/internal/domain"
)

// RateLimiter gates outbound provider calls per tenant and provider. Implementations
// report whether the call may proceed and, when it may not, how long to wait.
type RateLimiter interface {
	Allow(ctx context.Context, provider domain.Provider, tenantID string) (bool, time.Duration, error)
}

// NoopLimiter allows every call.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, domain.Provider, string) (bool, time.Duration, error) {
	return true, 0, nil
}

// RateLimitError is returned when a tenant exceeded its provider call budget.
type RateLimitError struct {
	Provider   domain.Provider
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limit exceeded; retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

var providerRateLimitScript = redis.NewScript(`
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

// RedisLimiter is a fixed-window counter shared by every API replica.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client redis.UniversalClient, prefix string, perMinute int) *RedisLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "kessai:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: trimmedPrefix, limit: perMinute, window: time.Minute}
}

func (r *RedisLimiter) Allow(ctx context.Context, provider domain.Provider, tenantID string) (bool, time.Duration, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return true, 0, nil
	}
	subject := strings.TrimSpace(tenantID)
	if subject == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	key := fmt.Sprintf("%s:provider:%s:%s", r.prefix, provider, subject)
	raw, err := providerRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return true, 0, err
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected redis limiter response shape: %T", raw)
	}
	count, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}
	if int(count) <= r.limit {
		return true, 0, nil
	}
	retryAfter := time.Duration(math.Ceil(float64(ttlMs)/1000.0)) * time.Second
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}
