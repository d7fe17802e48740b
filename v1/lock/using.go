package lock

import (
	"context"

	"go.uber.org/zap"
)

// TryUsing acquires resource, runs work while holding it and releases it.
// acquired reports whether the lock was obtained; when it was not, work is
// not called. err is either the acquisition error or the error returned by
// work.
//
// The release runs even if work panics or ctx is cancelled; it uses a context
// detached from ctx cancellation so an abandoned lock does not linger until
// its ttl.
func (p *Provider) TryUsing(ctx context.Context, resource string, work func(ctx context.Context) error, opts ...AcquireOption) (acquired bool, err error) {
	h, err := p.TryAcquire(ctx, resource, opts...)
	if err != nil || h == nil {
		return false, err
	}
	defer p.releaseDetached(ctx, h)
	return true, work(ctx)
}

// TryUsingFunc is TryUsing for work that neither needs a context nor fails.
func (p *Provider) TryUsingFunc(ctx context.Context, resource string, work func(), opts ...AcquireOption) (bool, error) {
	return p.TryUsing(ctx, resource, func(context.Context) error {
		work()
		return nil
	}, opts...)
}

// TryUsingWith is TryUsing for work that takes a state value.
func TryUsingWith[S any](ctx context.Context, p *Provider, resource string, state S, work func(ctx context.Context, state S) error, opts ...AcquireOption) (bool, error) {
	return p.TryUsing(ctx, resource, func(ctx context.Context) error {
		return work(ctx, state)
	}, opts...)
}

func (p *Provider) releaseDetached(ctx context.Context, h *Handle) {
	ok, err := p.Release(context.WithoutCancel(ctx), h)
	if err != nil {
		p.logger.Warn("releasing lock", zap.String("resource", h.Resource()), zap.Error(err))
		return
	}
	if !ok {
		p.logger.Warn("lock lost before release", zap.String("resource", h.Resource()), zap.String("lock_id", h.LockID()))
	}
}
