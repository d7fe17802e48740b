package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

const tracerName = "github.com/mirkobrombin/go-warden/v1/lock"

// Provider acquires, renews and releases locks on top of a Storage. It holds
// no lock state itself: every decision is taken by the storage, so any number
// of providers in any number of processes can share one store.
type Provider struct {
	storage        Storage
	defaultTTL     time.Duration
	defaultTimeout time.Duration
	pollInterval   time.Duration
	bus            syncbus.Bus
	logger         *zap.Logger
	metrics        *metrics.Lock
	tracer         trace.Tracer
}

// NewProvider returns a Provider using s.
func NewProvider(s Storage, opts ...ProviderOption) *Provider {
	p := &Provider{
		storage:        s,
		defaultTTL:     DefaultTTL,
		defaultTimeout: DefaultAcquireTimeout,
		pollInterval:   DefaultPollInterval,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Storage returns the storage the provider operates on.
func (p *Provider) Storage() Storage {
	return p.storage
}

func (p *Provider) startSpan(ctx context.Context, name, resource string) (context.Context, trace.Span) {
	if p.tracer == nil {
		return ctx, noop.Span{}
	}
	return p.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("warden.lock.resource", resource)))
}

func releaseTopic(resource string) string {
	return "lock:" + resource
}

// TryAcquire attempts to acquire resource, retrying until the acquire timeout
// elapses. It returns a nil Handle and a nil error when the timeout elapses,
// and ctx.Err() when ctx is done first.
func (p *Provider) TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	if err := validateKey(resource); err != nil {
		return nil, err
	}
	o := buildAcquireOptions(opts)
	ttl := p.defaultTTL
	if o.ttlSet {
		ttl = o.ttl
	}
	timeout := p.defaultTimeout
	if o.timeoutSet {
		timeout = o.timeout
	}
	sttl, err := storageTTL(ttl)
	if err != nil {
		return nil, err
	}
	if err := validateTimeout(timeout); err != nil {
		return nil, err
	}

	ctx, span := p.startSpan(ctx, "Provider.TryAcquire", resource)
	defer span.End()

	var wake chan struct{}
	if p.bus != nil {
		ch, err := p.bus.Subscribe(ctx, releaseTopic(resource))
		if err != nil {
			p.logger.Warn("subscribing to lock releases", zap.String("resource", resource), zap.Error(err))
		} else {
			wake = ch
			defer func() {
				_ = p.bus.Unsubscribe(context.Background(), releaseTopic(resource), ch)
			}()
		}
	}

	start := time.Now()
	b := retry.WithJitterPercent(10, retry.NewConstant(p.pollInterval))
	if timeout != Infinite {
		b = retry.WithMaxDuration(timeout, b)
	}
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			p.metrics.ObserveAcquire(metrics.ResultCancelled, time.Since(start))
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		attempts++
		lockID := uuid.NewString()
		ok, err := p.storage.Insert(ctx, resource, lockID, sttl)
		if err != nil {
			if ctx.Err() != nil {
				p.metrics.ObserveAcquire(metrics.ResultCancelled, time.Since(start))
				span.SetStatus(codes.Error, "cancelled")
				return nil, err
			}
			p.metrics.ObserveAcquire(metrics.ResultError, time.Since(start))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if ok {
			p.metrics.ObserveAcquire(metrics.ResultAcquired, time.Since(start))
			span.SetAttributes(attribute.Int("warden.lock.attempts", attempts))
			return newHandle(p, resource, lockID, sttl), nil
		}

		next, stop := b.Next()
		if stop {
			p.metrics.ObserveAcquire(metrics.ResultTimeout, time.Since(start))
			span.SetAttributes(attribute.Int("warden.lock.attempts", attempts), attribute.Bool("warden.lock.timeout", true))
			return nil, nil
		}
		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		case <-wake:
			timer.Stop()
		}
	}
}

// Resume returns a Handle for a lease acquired elsewhere, typically by
// another process that handed over the lock id. ttl is the lease duration
// used by later renewals; Infinite is accepted. The store is not consulted.
func (p *Provider) Resume(resource, lockID string, ttl time.Duration) (*Handle, error) {
	if err := validateKey(resource); err != nil {
		return nil, err
	}
	if err := validateLockID(lockID); err != nil {
		return nil, err
	}
	sttl, err := storageTTL(ttl)
	if err != nil {
		return nil, err
	}
	return newHandle(p, resource, lockID, sttl), nil
}

// Acquire is TryAcquire reporting a timeout as ErrNotAcquired.
func (p *Provider) Acquire(ctx context.Context, resource string, opts ...AcquireOption) (*Handle, error) {
	h, err := p.TryAcquire(ctx, resource, opts...)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, warperrors.ErrNotAcquired
	}
	return h, nil
}

// Release removes the lock held by h. It reports false, without error, when
// the lease had already expired or been taken over.
func (p *Provider) Release(ctx context.Context, h *Handle) (bool, error) {
	ctx, span := p.startSpan(ctx, "Provider.Release", h.Resource())
	defer span.End()

	ok, err := p.storage.RemoveIfEqual(ctx, h.Resource(), h.LockID())
	if err != nil {
		p.metrics.ObserveRelease(metrics.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !ok {
		p.metrics.ObserveRelease(metrics.ResultLost)
		return false, nil
	}
	p.metrics.ObserveRelease(metrics.ResultSuccess)
	if p.bus != nil {
		if err := p.bus.Publish(ctx, releaseTopic(h.Resource())); err != nil {
			p.logger.Warn("publishing lock release", zap.String("resource", h.Resource()), zap.Error(err))
		}
	}
	return true, nil
}

// Renew extends the lease held by h. Without WithTTL the lease is extended by
// the ttl it was acquired with. It reports false when the lease was lost.
func (p *Provider) Renew(ctx context.Context, h *Handle, opts ...AcquireOption) (bool, error) {
	o := buildAcquireOptions(opts)
	sttl := h.storageTTL()
	if o.ttlSet {
		var err error
		if sttl, err = storageTTL(o.ttl); err != nil {
			return false, err
		}
	}

	ctx, span := p.startSpan(ctx, "Provider.Renew", h.Resource())
	defer span.End()

	ok, err := p.storage.ReplaceIfEqual(ctx, h.Resource(), h.LockID(), h.LockID(), sttl)
	if err != nil {
		p.metrics.ObserveRenew(metrics.ResultError)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	if !ok {
		p.metrics.ObserveRenew(metrics.ResultLost)
		return false, nil
	}
	p.metrics.ObserveRenew(metrics.ResultSuccess)
	h.renewed(sttl)
	return true, nil
}

// IsLocked reports whether resource is currently held by anyone.
func (p *Provider) IsLocked(ctx context.Context, resource string) (bool, error) {
	return p.storage.Exists(ctx, resource)
}

// Info describes the current lease on resource, or returns nil when the
// resource is free. LockID is only filled when the storage implements
// Inspector.
func (p *Provider) Info(ctx context.Context, resource string) (*Info, error) {
	if in, ok := p.storage.(Inspector); ok {
		rec, err := in.Get(ctx, resource)
		if err != nil || rec == nil {
			return nil, err
		}
		info := &Info{Resource: rec.Resource, LockID: rec.LockID}
		if rec.ExpiresAt != nil {
			ttl := time.Until(*rec.ExpiresAt)
			if ttl < 0 {
				ttl = 0
			}
			info.TimeToLive = &ttl
		}
		return info, nil
	}

	exists, err := p.storage.Exists(ctx, resource)
	if err != nil || !exists {
		return nil, err
	}
	info := &Info{Resource: resource}
	ttl, ok, err := p.storage.Expiration(ctx, resource)
	if err != nil {
		return nil, err
	}
	if ok {
		info.TimeToLive = &ttl
	}
	return info, nil
}
