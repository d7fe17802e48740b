package throttle

import (
	"context"
	"time"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// Infinite disables the wait limit when used as an acquire timeout.
const Infinite time.Duration = -1

// Storage counts hits per resource inside fixed windows.
type Storage interface {
	// Increment adds a hit to the current window of key and returns the new
	// count. When no window is active a new one is opened with one hit,
	// ending ttl from now.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// HitCount returns the hits of the current window of key, or 0 when no
	// window is active.
	HitCount(ctx context.Context, key string) (int64, error)
	// FlushAll removes every window.
	FlushAll(ctx context.Context) error
}

func validateKey(key string) error {
	if key == "" {
		return warperrors.ErrEmptyResource
	}
	return nil
}

func validateIncrement(key string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return warperrors.ErrInvalidTTL
	}
	return nil
}
