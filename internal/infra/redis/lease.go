package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/callflow-engine/internal/domain"
	"github.com/kursadbilgin/callflow-engine/internal/lease"
	goredis "github.com/redis/go-redis/v9"
)

const (
	leaseKeyPrefix     = "callflow:lease"
	leaseRetryInterval = 50 * time.Millisecond
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lease.Locker = (*RedisLocker)(nil)

// RedisLocker implements lease.Locker with SET NX PX and a token-checked release.
type RedisLocker struct {
	client         *goredis.Client
	acquireTimeout time.Duration
	newToken       func() string
	sleep          func(ctx context.Context, d time.Duration) error
}

func NewRedisLocker(client *goredis.Client, acquireTimeout time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisLocker{
		client:         client,
		acquireTimeout: acquireTimeout,
		newToken:       uuid.NewString,
		sleep:          sleepWithContext,
	}, nil
}

// Acquire polls until the key is free, the acquisition timeout passes or ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lease.Lease, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("lease key is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}

	fullKey := leaseKeyPrefix + ":" + key
	token := l.newToken()
	deadline := time.Now().Add(l.acquireTimeout)

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			return &redisLease{client: l.client, key: key, fullKey: fullKey, token: token}, nil
		}

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s", domain.ErrLeaseNotAcquired, key)
		}
		if err := l.sleep(ctx, min(leaseRetryInterval, time.Until(deadline))); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("%w: %s: %v", domain.ErrLeaseNotAcquired, key, err)
			}
			return nil, err
		}
	}
}

type redisLease struct {
	client   *goredis.Client
	key      string
	fullKey  string
	token    string
	released atomic.Bool
}

func (l *redisLease) Key() string {
	return l.key
}

// Release deletes the key only while it still carries this lease's token, so an
// expired lease never removes a successor's lock.
func (l *redisLease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.fullKey}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
