package redis

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	"github.com/kursadbilgin/callflow-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	slotKeyPrefix     = "callflow:slots"
	slotRetryInterval = 100 * time.Millisecond
)

// acquireSlotScript keeps one sorted-set member per holder scored by its
// expiry. Lapsed holders are dropped before counting. It returns 1 when the
// holder in ARGV[4] got a slot.
var acquireSlotScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now)
if redis.call("ZCARD", KEYS[1]) < tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[1], now + tonumber(ARGV[3]), ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
  return 1
end
return 0
`)

var _ ratelimit.Semaphore = (*RedisSemaphore)(nil)

// RedisSemaphore caps how many calls are in flight at once across every
// engine instance.
type RedisSemaphore struct {
	client   *goredis.Client
	limit    int
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newToken func() string
}

func NewRedisSemaphore(client *goredis.Client, limit int) (*RedisSemaphore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("semaphore limit must be positive")
	}
	return &RedisSemaphore{
		client:   client,
		limit:    limit,
		now:      time.Now,
		sleep:    sleepWithContext,
		newToken: uuid.NewString,
	}, nil
}

// Acquire polls until scope has a free slot or ctx ends.
func (s *RedisSemaphore) Acquire(ctx context.Context, scope string, ttl time.Duration) (lease.Lease, error) {
	scope = strings.ToLower(strings.TrimSpace(scope))
	if scope == "" {
		return nil, fmt.Errorf("semaphore scope is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("slot ttl must be positive")
	}

	fullKey := slotKeyPrefix + ":" + scope
	token := s.newToken()

	for {
		args := []any{s.now().UnixMilli(), s.limit, ttl.Milliseconds(), token}
		got, err := acquireSlotScript.Run(ctx, s.client, []string{fullKey}, args...).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire slot %s: %w", scope, err)
		}
		if got == 1 {
			return &redisSlot{client: s.client, scope: scope, fullKey: fullKey, token: token}, nil
		}
		if err := s.sleep(ctx, slotRetryInterval); err != nil {
			return nil, fmt.Errorf("waiting for slot %s: %w", scope, err)
		}
	}
}

type redisSlot struct {
	client   *goredis.Client
	scope    string
	fullKey  string
	token    string
	released atomic.Bool
}

func (s *redisSlot) Key() string {
	return s.scope
}

func (s *redisSlot) Release(ctx context.Context) error {
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.client.ZRem(ctx, s.fullKey, s.token).Err(); err != nil {
		return fmt.Errorf("failed to release slot %s: %w", s.scope, err)
	}
	return nil
}
