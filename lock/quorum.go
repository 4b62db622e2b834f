package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gammadia/nodepool/namegen"
	"github.com/google/uuid"
)

// Master is one independent lock server taking part in a quorum.
type Master interface {
	// Acquire sets key to token if it is not set, expiring after ttl.
	Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// Release deletes key if it still holds token.
	Release(ctx context.Context, key, token string) error
}

type QuorumConfig struct {
	Logger *slog.Logger
	// Prefix is prepended to lock names to form keys.
	Prefix string
	// TTL bounds how long a lock is held if its holder disappears.
	TTL time.Duration
	// RetryDelay is the base wait between acquisition attempts, a random jitter of the same size is added.
	RetryDelay time.Duration
	// AcquireTimeout bounds how long WithLock waits for the lock.
	AcquireTimeout time.Duration
}

func (c *QuorumConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Prefix == "" {
		c.Prefix = "nodepool:lock:"
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Minute
	}
}

// Quorum holds a lock when a majority of its masters agreed to it within the lock's TTL.
type Quorum struct {
	masters []Master
	config  QuorumConfig
	owner   string
}

// Quorum implements Locker
var _ Locker = (*Quorum)(nil)

func NewQuorum(masters []Master, config QuorumConfig) (*Quorum, error) {
	if len(masters) == 0 {
		return nil, errors.New("at least one lock master is required")
	}
	config.setDefaults()

	return &Quorum{
		masters: masters,
		config:  config,
		owner:   namegen.Unique().String(),
	}, nil
}

func (q *Quorum) quorum() int {
	return len(q.masters)/2 + 1
}

func (q *Quorum) WithLock(ctx context.Context, name string, fn func(context.Context) error) error {
	key := q.config.Prefix + name
	token := fmt.Sprintf("%s|%s", q.owner, uuid.NewString())
	log := q.config.Logger.With("lock", name)

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, q.config.AcquireTimeout)
	defer cancelAcquire()

	attempt := 0
	for {
		attempt++
		validity, err := q.tryAcquire(acquireCtx, key, token)
		if err == nil {
			log.Debug("Lock acquired", "attempt", attempt, "validity", validity)

			lockedCtx, cancel := context.WithTimeout(ctx, validity)
			defer cancel()
			defer q.releaseAll(key, token)

			return fn(lockedCtx)
		}

		log.Debug("Lock not acquired, retrying", "attempt", attempt, "error", err)
		wait := q.config.RetryDelay + rand.N(q.config.RetryDelay)
		select {
		case <-time.After(wait):
		case <-acquireCtx.Done():
			return fmt.Errorf("%w '%s' after %d attempts: %w", ErrNotAcquired, name, attempt, acquireCtx.Err())
		}
	}
}

// tryAcquire asks every master for the lock and returns how long it is
// guaranteed to be held, or releases whatever it got and fails.
func (q *Quorum) tryAcquire(ctx context.Context, key, token string) (time.Duration, error) {
	start := time.Now()

	var mu sync.Mutex
	var wg sync.WaitGroup
	var errs []error
	granted := 0
	for _, master := range q.masters {
		wg.Add(1)
		go func(master Master) {
			defer wg.Done()
			ok, err := master.Acquire(ctx, key, token, q.config.TTL)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else if ok {
				granted++
			}
		}(master)
	}
	wg.Wait()

	drift := q.config.TTL/100 + 2*time.Millisecond
	validity := q.config.TTL - time.Since(start) - drift
	if granted >= q.quorum() && validity > 0 {
		return validity, nil
	}

	q.releaseAll(key, token)
	err := fmt.Errorf("granted by %d of %d masters (quorum %d)", granted, len(q.masters), q.quorum())
	if len(errs) > 0 {
		err = fmt.Errorf("%w: %w", err, errors.Join(errs...))
	}
	return 0, err
}

func (q *Quorum) releaseAll(key, token string) {
	// Release must happen even when the caller's context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, master := range q.masters {
		wg.Add(1)
		go func(master Master) {
			defer wg.Done()
			if err := master.Release(ctx, key, token); err != nil {
				q.config.Logger.Warn("Failed to release lock", "key", key, "error", err)
			}
		}(master)
	}
	wg.Wait()
}
