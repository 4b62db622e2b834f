package lock

import (
	"context"
	"fmt"
	"sync"
)

// Local serializes callers within a single process.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// Local implements Locker
var _ Locker = (*Local)(nil)

func NewLocal() *Local {
	return &Local{locks: map[string]chan struct{}{}}
}

func (l *Local) slot(name string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.locks[name]
	if !ok {
		slot = make(chan struct{}, 1)
		l.locks[name] = slot
	}
	return slot
}

func (l *Local) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	slot := l.slot(name)

	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w '%s': %w", ErrNotAcquired, name, ctx.Err())
	}
	defer func() { <-slot }()

	return fn(ctx)
}
