package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaster struct {
	mu   sync.Mutex
	keys map[string]string
	down bool
}

func newFakeMaster() *fakeMaster {
	return &fakeMaster{keys: map[string]string{}}
}

func (m *fakeMaster) Acquire(_ context.Context, key, token string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false, errors.New("connection refused")
	}
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = token
	return true, nil
}

func (m *fakeMaster) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[key] == token {
		delete(m.keys, key)
	}
	return nil
}

func (m *fakeMaster) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func testConfig() QuorumConfig {
	return QuorumConfig{
		TTL:            time.Second,
		RetryDelay:     5 * time.Millisecond,
		AcquireTimeout: 100 * time.Millisecond,
	}
}

func TestQuorumAcquiresWithMajority(t *testing.T) {
	masters := []*fakeMaster{newFakeMaster(), newFakeMaster(), newFakeMaster()}
	masters[2].down = true

	q, err := NewQuorum([]Master{masters[0], masters[1], masters[2]}, testConfig())
	require.NoError(t, err)

	ran := false
	err = q.WithLock(context.Background(), "fill-pools", func(ctx context.Context) error {
		ran = true
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline, "critical section is bounded by the lock validity")
		assert.Equal(t, 1, masters[0].held())
		assert.Equal(t, 1, masters[1].held())
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 0, masters[0].held(), "released on exit")
	assert.Equal(t, 0, masters[1].held(), "released on exit")
}

func TestQuorumFailsWithoutMajority(t *testing.T) {
	masters := []*fakeMaster{newFakeMaster(), newFakeMaster(), newFakeMaster()}
	masters[1].down = true
	masters[2].down = true

	q, err := NewQuorum([]Master{masters[0], masters[1], masters[2]}, testConfig())
	require.NoError(t, err)

	err = q.WithLock(context.Background(), "fill-pools", func(context.Context) error {
		t.Fatal("must not enter the critical section")
		return nil
	})
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Equal(t, 0, masters[0].held(), "partial grants are released")
}

func TestQuorumReleasesOnError(t *testing.T) {
	master := newFakeMaster()
	q, err := NewQuorum([]Master{master}, testConfig())
	require.NoError(t, err)

	boom := errors.New("boom")
	err = q.WithLock(context.Background(), "expire-sessions", func(context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, master.held())
}

func TestQuorumContention(t *testing.T) {
	master := newFakeMaster()
	config := testConfig()
	config.AcquireTimeout = 5 * time.Second
	q1, err := NewQuorum([]Master{master}, config)
	require.NoError(t, err)
	q2, err := NewQuorum([]Master{master}, config)
	require.NoError(t, err)

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for _, q := range []*Quorum{q1, q2, q1, q2} {
		wg.Add(1)
		go func(q *Quorum) {
			defer wg.Done()
			assert.NoError(t, q.WithLock(context.Background(), "fill-pools", func(context.Context) error {
				n := inside.Add(1)
				for {
					current := maxInside.Load()
					if n <= current || maxInside.CompareAndSwap(current, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inside.Add(-1)
				return nil
			}))
		}(q)
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocalSerializes(t *testing.T) {
	l := NewLocal()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.WithLock(context.Background(), "fill-pools", func(context.Context) error {
				n := inside.Add(1)
				if n > maxInside.Load() {
					maxInside.Store(n)
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "x", func(context.Context) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "x", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
