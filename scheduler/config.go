package scheduler

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gammadia/nodepool/internal/retry"
	"github.com/gammadia/nodepool/inventory"
)

type Config struct {
	Logger   *slog.Logger       `json:"-"`
	Defaults inventory.Defaults `json:"defaults"`
	// Retry runs transactions again when they lose a serialization conflict.
	Retry retry.Policy `json:"-"`
	// Workers caps the number of dispatched tasks running at once.
	Workers        int           `json:"workers"`
	ExpiryInterval time.Duration `json:"expiry-interval"`
	FillInterval   time.Duration `json:"fill-interval"`
	// Now is the clock, time.Now when nil.
	Now func() time.Time `json:"-"`
}

func DefaultConfig() Config {
	return Config{
		Defaults:       inventory.DefaultDefaults(),
		Retry:          retry.Serialization(),
		Workers:        32,
		ExpiryInterval: time.Minute,
		FillInterval:   5 * time.Minute,
	}
}

func Validate(config Config) error {
	if config.Workers < 1 {
		return errors.New("workers must be greater than 0")
	}
	if config.ExpiryInterval <= 0 {
		return errors.New("expiry-interval must be greater than 0")
	}
	if config.FillInterval <= 0 {
		return errors.New("fill-interval must be greater than 0")
	}
	if config.Defaults.NodeQuota < 0 {
		return errors.New("default node quota cannot be negative")
	}
	if config.Defaults.SessionLifetime <= 0 || config.Defaults.SessionLifetimeMax < config.Defaults.SessionLifetime {
		return errors.New("default session lifetime must be positive and not exceed the maximum lifetime")
	}
	return nil
}
