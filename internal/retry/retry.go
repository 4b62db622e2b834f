package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Policy describes an attempt loop: how many times to run a body, how long to
// wait between attempts, and which errors are worth another attempt.
//
// The delay before attempt n+1 is min(MaxDelay, MinDelay * Factor^(n-1)) plus a
// random jitter in [0, Jitter).
type Policy struct {
	Attempts int
	MinDelay time.Duration
	MaxDelay time.Duration
	Factor   float64
	Jitter   time.Duration

	// Retryable selects the errors this policy retries. Other errors are returned
	// at once without consuming an attempt. A nil Retryable retries every error.
	Retryable func(error) bool
}

// Default retries any error 5 times, waiting 0.1s to 1.6s with up to 0.3s of jitter.
func Default() Policy {
	return Policy{
		Attempts: 5,
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 1600 * time.Millisecond,
		Factor:   2,
		Jitter:   300 * time.Millisecond,
	}
}

// Serialization retries transactions aborted by a serialization conflict.
func Serialization() Policy {
	policy := Default()
	policy.Retryable = IsSerializationFailure
	return policy
}

// IsSerializationFailure matches postgres' serialization_failure as well as any
// error declaring itself one, which is how non-SQL stores report conflicts.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001"
	}
	var conflict interface{ SerializationFailure() bool }
	return errors.As(err, &conflict) && conflict.SerializationFailure()
}

// Delay returns how long to wait after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.MinDelay) * math.Pow(p.Factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += float64(rand.Int64N(int64(p.Jitter)))
	}
	return time.Duration(delay)
}

func (p Policy) retryable(err error) bool {
	return p.Retryable == nil || p.Retryable(err)
}

// Do calls fn until it succeeds, returns an error the policy does not retry, or
// runs out of attempts, in which case the last error is returned.
// Returns ctx.Err() if the context is cancelled while waiting between attempts.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := DoResult(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoResult is like Do but for functions that return a value.
func DoResult[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.Attempts, 1)

	var result T
	var err error
	for attempt := 1; ; attempt++ {
		if result, err = fn(ctx); err == nil {
			return result, nil
		}
		if !p.retryable(err) || attempt >= attempts {
			return result, err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		}
	}
}
