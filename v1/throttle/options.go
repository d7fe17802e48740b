package throttle

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultCleanupInterval = time.Minute
	defaultCleanupWindows  = 2
	defaultKeyPrefix       = "warden:throttle:"
	defaultTableName       = "throttling_locks"
	defaultOpTimeout       = 5 * time.Second
)

// options is shared by every storage; each backend reads the fields it
// needs.
type options struct {
	now             func() time.Time
	logger          *zap.Logger
	cleanupInterval time.Duration
	cleanupWindows  int
	keyPrefix       string
	tableName       string
	timeout         time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		now:             time.Now,
		logger:          zap.NewNop(),
		cleanupInterval: defaultCleanupInterval,
		cleanupWindows:  defaultCleanupWindows,
		keyPrefix:       defaultKeyPrefix,
		tableName:       defaultTableName,
		timeout:         defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a throttling storage.
type Option func(*options)

// WithClock overrides the clock driving window expiration in memory and the
// cleanup cadence of every backend.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCleanupLogger sets the logger used to report cleanup failures.
func WithCleanupLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCleanupInterval sets the minimum time between two cleanups run by the
// same storage instance.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithCleanupWindows sets how many window lengths an expired window is kept
// before cleanup deletes it.
func WithCleanupWindows(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cleanupWindows = n
		}
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		o.keyPrefix = prefix
	}
}

// WithTableName sets the GORM table name.
func WithTableName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.tableName = name
		}
	}
}

// WithTimeout sets the timeout applied to every round trip of the Redis and
// GORM backends.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}
