package lock

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

const (
	// DefaultTTL is the lease duration used when none is requested.
	DefaultTTL = 20 * time.Minute
	// DefaultAcquireTimeout bounds how long TryAcquire waits by default.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultPollInterval is the delay between two acquisition attempts.
	DefaultPollInterval = 100 * time.Millisecond
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithDefaultTTL sets the lease duration used when TryAcquire is not given
// WithTTL. Infinite is accepted.
func WithDefaultTTL(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.defaultTTL = d
	}
}

// WithDefaultAcquireTimeout sets the wait limit used when TryAcquire is not
// given WithAcquireTimeout. Infinite is accepted.
func WithDefaultAcquireTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.defaultTimeout = d
	}
}

// WithPollInterval sets the delay between acquisition attempts. Non-positive
// values are ignored.
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithBus publishes releases on bus and lets waiters wake up as soon as the
// resource they wait for is released.
func WithBus(bus syncbus.Bus) ProviderOption {
	return func(p *Provider) {
		p.bus = bus
	}
}

// WithLogger sets the logger used for non-fatal warnings.
func WithLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) ProviderOption {
	return func(p *Provider) {
		p.metrics = metrics.NewLock(reg)
	}
}

// WithTracerProvider enables OpenTelemetry spans for provider operations.
func WithTracerProvider(tp trace.TracerProvider) ProviderOption {
	return func(p *Provider) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// AcquireOption tunes a single TryAcquire, Renew or TryUsing call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	ttl        time.Duration
	ttlSet     bool
	timeout    time.Duration
	timeoutSet bool
}

// WithTTL sets the lease duration. Infinite disables expiration.
func WithTTL(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.ttl = d
		o.ttlSet = true
	}
}

// WithAcquireTimeout sets how long TryAcquire keeps retrying. Infinite waits
// until the lock is acquired or the context is done.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

func buildAcquireOptions(opts []AcquireOption) acquireOptions {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// storageTTL maps a caller ttl to the storage contract: Infinite becomes 0
// ("no expiration"), any other non-positive value is rejected.
func storageTTL(ttl time.Duration) (time.Duration, error) {
	if ttl == Infinite {
		return 0, nil
	}
	if ttl <= 0 {
		return 0, warperrors.ErrInvalidTTL
	}
	return ttl, nil
}

func validateTimeout(d time.Duration) error {
	if d == Infinite || d > 0 {
		return nil
	}
	return warperrors.ErrInvalidTimeout
}
