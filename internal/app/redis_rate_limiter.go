package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript keeps the theoretical arrival time (TAT) of the next event per key.
// An event is admitted while TAT stays within burst intervals of now; a rejection
// leaves the key untouched and returns the wait in milliseconds.
var tokenBucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then
  tat = now
end
local new_tat = tat + interval
local wait = new_tat - now - interval * burst
if wait > 0 then
  return {0, math.ceil(wait)}
end
redis.call("SET", KEYS[1], new_tat, "PX", math.ceil(new_tat - now))
return {1, 0}
`)

// RedisRateLimiter shares card-registration buckets across replicas. Its buckets behave
// like MemoryRateLimiter's: limit tokens, refilled one every window/limit.
type RedisRateLimiter struct {
	client redis.Scripter
	prefix string
	now    func() time.Time
}

func NewRedisRateLimiter(client redis.Scripter, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "reportly:billing"
	}
	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix + ":bucket",
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 || window <= 0 {
		return true, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return true, 0, nil
	}

	intervalMs := max(window.Milliseconds()/int64(limit), 1)
	key := fmt.Sprintf("%s:%s:%s", r.prefix, scope, subject)

	raw, err := tokenBucketScript.Run(ctx, r.client, []string{key}, r.now().UnixMilli(), intervalMs, limit).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run token bucket script: %w", err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 2 {
		return false, 0, fmt.Errorf("unexpected token bucket reply %T", raw)
	}
	admitted, ok := values[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token bucket verdict %T", values[0])
	}
	waitMs, ok := values[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected token bucket wait %T", values[1])
	}

	if admitted == 1 {
		return true, 0, nil
	}
	return false, time.Duration(waitMs) * time.Millisecond, nil
}
