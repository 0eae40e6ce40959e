package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultCallsPerSecond = 5
	rateWindow            = time.Second
	minRetryAfter         = 5 * time.Millisecond
	rateLimitKeyPrefix    = "callflow:ratelimit"
)

// slidingWindowScript admits a call when fewer than ARGV[3] calls started in
// the trailing window. It returns 0 on admission, otherwise the milliseconds
// until the oldest call leaves the window.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[3]) then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  redis.call("PEXPIRE", KEYS[1], window)
  return 0
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
return tonumber(oldest[2]) + window - now
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter caps call placement per scope across every engine instance
// with a sliding one-second window, so bursts cannot straddle a window edge.
type RedisRateLimiter struct {
	client goredis.Scripter
	limit  int
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRedisRateLimiter(client *goredis.Client, callsPerSecond int) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return newRedisRateLimiter(client, callsPerSecond, time.Now, sleepWithContext), nil
}

func newRedisRateLimiter(
	client goredis.Scripter,
	callsPerSecond int,
	now func() time.Time,
	sleep func(ctx context.Context, d time.Duration) error,
) *RedisRateLimiter {
	if callsPerSecond <= 0 {
		callsPerSecond = defaultCallsPerSecond
	}
	return &RedisRateLimiter{client: client, limit: callsPerSecond, now: now, sleep: sleep}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, scope string) (bool, error) {
	retryAfter, err := r.reserve(ctx, scope)
	if err != nil {
		return false, err
	}
	return retryAfter == 0, nil
}

// Wait blocks until scope admits another call or ctx ends, sleeping exactly as
// long as the window says it must.
func (r *RedisRateLimiter) Wait(ctx context.Context, scope string) error {
	for {
		retryAfter, err := r.reserve(ctx, scope)
		if err != nil {
			return err
		}
		if retryAfter == 0 {
			return nil
		}
		if err := r.sleep(ctx, max(retryAfter, minRetryAfter)); err != nil {
			return err
		}
	}
}

func (r *RedisRateLimiter) reserve(ctx context.Context, scope string) (time.Duration, error) {
	if r == nil || r.client == nil {
		return 0, fmt.Errorf("rate limiter is not initialized")
	}
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return 0, fmt.Errorf("rate limit scope is required")
	}

	key := rateLimitKeyPrefix + ":" + scope
	args := []any{r.now().UnixMilli(), rateWindow.Milliseconds(), r.limit, uuid.NewString()}
	ms, err := slidingWindowScript.Run(ctx, r.client, []string{key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit %s: %w", scope, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
