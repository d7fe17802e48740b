package lock

import (
	"context"
	"sync"
	"time"
)

// Handle represents a lease obtained from a Provider. It stays valid as a
// value after the lease is released or lost; operations on it then report
// false.
type Handle struct {
	provider   *Provider
	resource   string
	lockID     string
	acquiredAt time.Time

	mu        sync.Mutex
	ttl       time.Duration // 0: never expires
	renewedAt time.Time
}

func newHandle(p *Provider, resource, lockID string, ttl time.Duration) *Handle {
	now := time.Now()
	return &Handle{
		provider:   p,
		resource:   resource,
		lockID:     lockID,
		acquiredAt: now,
		ttl:        ttl,
		renewedAt:  now,
	}
}

// Resource returns the locked resource.
func (h *Handle) Resource() string { return h.resource }

// LockID returns the id identifying this lease in the store.
func (h *Handle) LockID() string { return h.lockID }

// AcquiredAt returns when the lease was obtained.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// TTL returns the lease duration requested on the last acquire or renewal,
// or Infinite.
func (h *Handle) TTL() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ttl == 0 {
		return Infinite
	}
	return h.ttl
}

func (h *Handle) storageTTL() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ttl
}

func (h *Handle) renewed(ttl time.Duration) {
	h.mu.Lock()
	h.ttl = ttl
	h.renewedAt = time.Now()
	h.mu.Unlock()
}

// Info projects the handle, estimating the remaining time from the local
// clock. Use Provider.Info for the store's view.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := Info{Resource: h.resource, LockID: h.lockID}
	if h.ttl > 0 {
		left := h.ttl - time.Since(h.renewedAt)
		if left < 0 {
			left = 0
		}
		info.TimeToLive = &left
	}
	return info
}

// Release releases the lease through the provider that issued it.
func (h *Handle) Release(ctx context.Context) (bool, error) {
	return h.provider.Release(ctx, h)
}

// Renew renews the lease through the provider that issued it.
func (h *Handle) Renew(ctx context.Context, opts ...AcquireOption) (bool, error) {
	return h.provider.Renew(ctx, h, opts...)
}
