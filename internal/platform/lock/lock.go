// Package lock provides named, non-blocking mutual exclusion for background
// jobs. A lock is held through a Lease which must always be released.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAcquired is returned by TryAcquire when another holder owns the key.
	ErrNotAcquired = errors.New("platform/lock: lock held elsewhere")
)

// Locker acquires named locks without waiting.
type Locker interface {
	// TryAcquire returns ErrNotAcquired when key is already held. ttl bounds
	// how long a crashed holder can keep the key; backends without expiry
	// ignore it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is a held lock. Release is idempotent.
type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

// JobKey builds the lock key for a job identity.
func JobKey(job string) string {
	return fmt.Sprintf("jobs:%s:lock", job)
}
