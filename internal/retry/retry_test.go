package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{Attempts: 3, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2}
}

func TestDo_Success(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(context.Context) error {
		attempts++
		return fmt.Errorf("always fails (%d)", attempts)
	})
	assert.EqualError(t, err, "always fails (3)")
	assert.Equal(t, 3, attempts)
}

func TestDo_NonMatchingErrorPropagatesImmediately(t *testing.T) {
	other := errors.New("other")
	policy := fastPolicy()
	policy.Retryable = func(err error) bool { return err.Error() == "transient" }

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return other
	})
	assert.ErrorIs(t, err, other)
	assert.Equal(t, 2, attempts)
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Attempts: 10, MinDelay: 20 * time.Millisecond, Factor: 1}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := policy.Do(ctx, func(context.Context) error {
		attempts++
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 10)
}

func TestDoResult_Success(t *testing.T) {
	attempts := 0
	result, err := DoResult(context.Background(), fastPolicy(), func(context.Context) (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestDelay(t *testing.T) {
	policy := Default()
	policy.Jitter = 0

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 800*time.Millisecond, policy.Delay(4))
	assert.Equal(t, 1600*time.Millisecond, policy.Delay(5))
	assert.Equal(t, 1600*time.Millisecond, policy.Delay(9))

	policy.Jitter = 300 * time.Millisecond
	for i := 0; i < 20; i++ {
		delay := policy.Delay(1)
		assert.GreaterOrEqual(t, delay, 100*time.Millisecond)
		assert.Less(t, delay, 400*time.Millisecond)
	}
}

type conflictError struct{}

func (conflictError) Error() string              { return "conflict" }
func (conflictError) SerializationFailure() bool { return true }

func TestIsSerializationFailure(t *testing.T) {
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsSerializationFailure(fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})))
	assert.False(t, IsSerializationFailure(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsSerializationFailure(conflictError{}))
	assert.False(t, IsSerializationFailure(errors.New("nope")))
}

func TestSerializationRetriesConflictsOnly(t *testing.T) {
	policy := Serialization()
	policy.MinDelay, policy.MaxDelay, policy.Jitter = time.Millisecond, time.Millisecond, 0

	attempts := 0
	err := policy.Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 4 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, attempts)

	attempts = 0
	err = policy.Do(context.Background(), func(context.Context) error {
		attempts++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.True(t, IsSerializationFailure(err))
	assert.Equal(t, 5, attempts, "re-raised once attempts are exhausted")
}
