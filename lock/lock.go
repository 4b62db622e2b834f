package lock

import (
	"context"
	"errors"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker provides named mutual exclusion. WithLock acquires the named lock,
// runs fn and releases the lock on every exit path. fn's context is cancelled
// if the lock can no longer be guaranteed to be held.
type Locker interface {
	WithLock(ctx context.Context, name string, fn func(context.Context) error) error
}
