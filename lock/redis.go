package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisMaster struct {
	client redis.Cmdable
}

// RedisMaster implements Master
var _ Master = (*RedisMaster)(nil)

func NewRedisMaster(client redis.Cmdable) *RedisMaster {
	return &RedisMaster{client: client}
}

func (m *RedisMaster) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	acquired, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock setnx: %w", err)
	}
	return acquired, nil
}

func (m *RedisMaster) Release(ctx context.Context, key, token string) error {
	_, err := releaseLockScript.Run(ctx, m.client, []string{key}, token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// NewRedis builds a quorum lock over one redis master per URL
// (e.g. redis://:password@host:6379/0).
func NewRedis(urls []string, config QuorumConfig) (*Quorum, error) {
	masters := make([]Master, 0, len(urls))
	for _, url := range urls {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("invalid lock master url '%s': %w", url, err)
		}
		masters = append(masters, NewRedisMaster(redis.NewClient(opts)))
	}
	return NewQuorum(masters, config)
}

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)
