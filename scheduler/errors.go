package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrTenantInactive  = errors.New("tenant is not active")
	ErrSessionInactive = errors.New("session is not active")
	ErrInvalidRequest  = errors.New("invalid request")
	// ErrLifetimeExceeded rejects an expiry past the tenant's maximum session lifetime.
	ErrLifetimeExceeded = errors.New("session lifetime exceeded")
	// ErrInsufficientNodes means a spec could not be satisfied by ready nodes.
	ErrInsufficientNodes = errors.New("not enough ready nodes")
	// ErrContextualizationFailed means some reserved nodes could not be handed
	// to the tenant. The request may be retried once pools are refilled.
	ErrContextualizationFailed = errors.New("failed to contextualize nodes")
	ErrQuotaExceeded           = errors.New("node quota exceeded")
	ErrUnknownPool             = errors.New("unknown pool")
)

type QuotaError struct {
	Quota     int
	Allocated int
	Requested int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s: %d nodes allocated, %d requested, quota is %d", ErrQuotaExceeded, e.Allocated, e.Requested, e.Quota)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// IsRetryable tells whether a failed request may succeed if sent again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContextualizationFailed) || errors.Is(err, ErrInsufficientNodes)
}
