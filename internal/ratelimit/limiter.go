package ratelimit

import (
	"context"
	"time"

	"github.com/kursadbilgin/callflow-engine/internal/lease"
)

// RateLimiter bounds how many operations may start per second within a scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope string) (bool, error)
	Wait(ctx context.Context, scope string) error
}

// Semaphore bounds how many holders a scope admits at once. Acquire blocks
// until a slot frees up or ctx ends. A slot lapses after ttl, so a crashed
// holder cannot keep it.
type Semaphore interface {
	Acquire(ctx context.Context, scope string, ttl time.Duration) (lease.Lease, error)
}
