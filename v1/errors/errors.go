package errors

import "errors"

var (
	// ErrEmptyResource is returned when a lock or throttle key is empty.
	ErrEmptyResource = errors.New("warden: resource must not be empty")
	// ErrEmptyLockID is returned when a lock id is empty.
	ErrEmptyLockID = errors.New("warden: lock id must not be empty")
	// ErrInvalidTTL is returned for a ttl that is neither positive nor Infinite.
	ErrInvalidTTL = errors.New("warden: ttl must be positive")
	// ErrInvalidTimeout is returned for an acquire timeout that is neither
	// positive nor Infinite.
	ErrInvalidTimeout = errors.New("warden: acquire timeout must be positive")
	// ErrInvalidLimit is returned for a non-positive throttling limit.
	ErrInvalidLimit = errors.New("warden: throttling limit must be positive")
	// ErrNotAcquired is returned by Acquire when the timeout elapses.
	ErrNotAcquired = errors.New("warden: lock not acquired")
	// ErrUnsupportedDialect is returned when a SQL backend is opened on a
	// database that has no clock expression registered.
	ErrUnsupportedDialect = errors.New("warden: unsupported sql dialect")
	// ErrUnknownBackend is returned for an unrecognised backend name.
	ErrUnknownBackend = errors.New("warden: unknown backend")
	// ErrUnknownBus is returned for an unrecognised release bus name.
	ErrUnknownBus = errors.New("warden: unknown bus")
)
