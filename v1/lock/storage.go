package lock

import (
	"context"
	"time"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// Infinite disables the lease expiration when used as a ttl and disables the
// wait limit when used as an acquire timeout. It is only understood by
// Provider; storages receive a zero ttl instead.
const Infinite time.Duration = -1

// Storage persists lock records and exposes the atomic primitives Provider is
// built on. A ttl of zero means the record never expires; negative values are
// rejected with ErrInvalidTTL.
//
// Contention is never an error: a held resource or a lock id mismatch is
// reported as false.
type Storage interface {
	// Insert creates the record for key if it is absent or expired.
	Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error)
	// ReplaceIfEqual swaps the lock id and resets the expiration only if the
	// stored lock id equals expectedLockID and the record has not expired.
	ReplaceIfEqual(ctx context.Context, key, newLockID, expectedLockID string, ttl time.Duration) (bool, error)
	// RemoveIfEqual deletes the record only if the stored lock id equals
	// expectedLockID and the record has not expired.
	RemoveIfEqual(ctx context.Context, key, expectedLockID string) (bool, error)
	// Expiration returns the time left on the lease. ok is false when the
	// record is absent, expired or never expires.
	Expiration(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	// Exists reports whether a valid record exists for key.
	Exists(ctx context.Context, key string) (bool, error)
}

// Inspector is implemented by storages that can list their records. It is
// meant for diagnostics and never used to decide ownership.
type Inspector interface {
	// Get returns the valid record for key or nil.
	Get(ctx context.Context, key string) (*Record, error)
	// List returns the valid records whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Record, error)
	// Count returns the number of valid records.
	Count(ctx context.Context) (int64, error)
}

// Record is a persisted lease.
type Record struct {
	Resource string
	LockID   string
	// ExpiresAt is nil for leases that never expire.
	ExpiresAt *time.Time
}

// Info describes a lease as seen by callers.
type Info struct {
	Resource string
	LockID   string
	// TimeToLive is nil for leases that never expire.
	TimeToLive *time.Duration
}

func validateKey(key string) error {
	if key == "" {
		return warperrors.ErrEmptyResource
	}
	return nil
}

func validateLockID(id string) error {
	if id == "" {
		return warperrors.ErrEmptyLockID
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl < 0 {
		return warperrors.ErrInvalidTTL
	}
	return nil
}

func validateInsert(key, lockID string, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateLockID(lockID); err != nil {
		return err
	}
	return validateTTL(ttl)
}
