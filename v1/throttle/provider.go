package throttle

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
)

const (
	tracerName = "github.com/mirkobrombin/go-warden/v1/throttle"

	// DefaultAcquireTimeout bounds how long TryAcquire waits by default.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultPollInterval is the delay between two acquisition attempts.
	DefaultPollInterval = 100 * time.Millisecond
)

// Provider admits at most maxHits acquisitions per resource in every window
// of the configured period.
type Provider struct {
	storage        Storage
	maxHits        int64
	period         time.Duration
	defaultTimeout time.Duration
	pollInterval   time.Duration
	logger         *zap.Logger
	metrics        *metrics.Throttle
	tracer         trace.Tracer
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithDefaultAcquireTimeout sets the wait limit used when TryAcquire is not
// given WithAcquireTimeout. Infinite is accepted.
func WithDefaultAcquireTimeout(d time.Duration) ProviderOption {
	return func(p *Provider) {
		p.defaultTimeout = d
	}
}

// WithPollInterval sets the delay between acquisition attempts.
func WithPollInterval(d time.Duration) ProviderOption {
	return func(p *Provider) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithLogger sets the provider logger.
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
		p.metrics = metrics.NewThrottle(reg)
	}
}

// WithTracerProvider enables OpenTelemetry spans for TryAcquire.
func WithTracerProvider(tp trace.TracerProvider) ProviderOption {
	return func(p *Provider) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewProvider returns a Provider allowing maxHits hits per period on s.
func NewProvider(s Storage, maxHits int64, period time.Duration, opts ...ProviderOption) (*Provider, error) {
	if maxHits <= 0 {
		return nil, warperrors.ErrInvalidLimit
	}
	if period <= 0 {
		return nil, warperrors.ErrInvalidTTL
	}
	p := &Provider{
		storage:        s,
		maxHits:        maxHits,
		period:         period,
		defaultTimeout: DefaultAcquireTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := validateTimeout(p.defaultTimeout); err != nil {
		return nil, err
	}
	return p, nil
}

// Storage returns the storage the provider counts on.
func (p *Provider) Storage() Storage {
	return p.storage
}

// AcquireOption tunes a single TryAcquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	timeout    time.Duration
	timeoutSet bool
}

// WithAcquireTimeout sets how long TryAcquire keeps retrying.
func WithAcquireTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.timeout = d
		o.timeoutSet = true
	}
}

func validateTimeout(d time.Duration) error {
	if d == Infinite || d > 0 {
		return nil
	}
	return warperrors.ErrInvalidTimeout
}

// TryAcquire records a hit for resource when the current window has room,
// waiting for the next window otherwise. It reports false, without error,
// when the acquire timeout elapses first, and returns ctx.Err() when ctx is
// done first.
func (p *Provider) TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (bool, error) {
	if err := validateKey(resource); err != nil {
		return false, err
	}
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	timeout := p.defaultTimeout
	if o.timeoutSet {
		timeout = o.timeout
	}
	if err := validateTimeout(timeout); err != nil {
		return false, err
	}

	span := trace.Span(noop.Span{})
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "Provider.TryAcquire",
			trace.WithAttributes(attribute.String("warden.throttle.resource", resource)))
	}
	defer span.End()

	b := retry.WithJitterPercent(10, retry.NewConstant(p.pollInterval))
	if timeout != Infinite {
		b = retry.WithMaxDuration(timeout, b)
	}
	for {
		if err := ctx.Err(); err != nil {
			p.metrics.ObserveAcquire(metrics.ResultCancelled)
			span.SetStatus(codes.Error, "cancelled")
			return false, err
		}
		ok, err := p.attempt(ctx, resource)
		if err != nil {
			if ctx.Err() != nil {
				p.metrics.ObserveAcquire(metrics.ResultCancelled)
				span.SetStatus(codes.Error, "cancelled")
				return false, err
			}
			p.metrics.ObserveAcquire(metrics.ResultError)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, err
		}
		if ok {
			p.metrics.ObserveAcquire(metrics.ResultAcquired)
			return true, nil
		}

		next, stop := b.Next()
		if stop {
			p.metrics.ObserveAcquire(metrics.ResultTimeout)
			span.SetAttributes(attribute.Bool("warden.throttle.timeout", true))
			p.logger.Debug("throttle wait timed out", zap.String("resource", resource), zap.Duration("timeout", timeout))
			return false, nil
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// attempt checks the window before incrementing so waiting callers do not
// inflate the count of a full window.
func (p *Provider) attempt(ctx context.Context, resource string) (bool, error) {
	hits, err := p.storage.HitCount(ctx, resource)
	if err != nil {
		return false, err
	}
	if hits >= p.maxHits {
		return false, nil
	}
	hits, err = p.storage.Increment(ctx, resource, p.period)
	if err != nil {
		return false, err
	}
	return hits <= p.maxHits, nil
}

// HitCount returns the hits recorded in the current window of resource.
func (p *Provider) HitCount(ctx context.Context, resource string) (int64, error) {
	return p.storage.HitCount(ctx, resource)
}

// Remaining returns how many acquisitions the current window of resource
// still admits.
func (p *Provider) Remaining(ctx context.Context, resource string) (int64, error) {
	hits, err := p.storage.HitCount(ctx, resource)
	if err != nil {
		return 0, err
	}
	return max(p.maxHits-hits, 0), nil
}
