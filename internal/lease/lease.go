// Package lease provides mutual exclusion for work on a single contact across instances.
package lease

import (
	"context"
	"time"
)

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// Locker hands out leases. Acquire returns domain.ErrLeaseNotAcquired when the
// key stays held by someone else for the locker's acquisition timeout.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// ContactKey is the lease key serializing work on one contact.
func ContactKey(contactID string) string {
	return "contact:" + contactID
}
