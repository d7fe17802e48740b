package throttle

import (
	"context"
	"sync"
	"time"
)

type window struct {
	hits      int64
	expiresAt time.Time
}

// InMemory implements Storage using local memory. Expired windows are
// reclaimed by a gated cleanup on Increment.
type InMemory struct {
	mu      sync.Mutex
	windows map[string]window
	opts    options
	gate    *cleanupGate
}

// NewInMemory returns an empty in-memory throttling storage.
func NewInMemory(opts ...Option) *InMemory {
	o := newOptions(opts)
	return &InMemory{
		windows: make(map[string]window),
		opts:    o,
		gate:    newCleanupGate(o.cleanupInterval, o.now()),
	}
}

// Increment implements Storage.Increment.
func (m *InMemory) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := validateIncrement(key, ttl); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := m.opts.now()

	m.mu.Lock()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = window{expiresAt: now.Add(ttl)}
	}
	w.hits++
	m.windows[key] = w
	m.mu.Unlock()

	if m.gate.due(now) {
		m.cleanup(now, ttl)
	}
	return w.hits, nil
}

func (m *InMemory) cleanup(now time.Time, ttl time.Duration) {
	cutoff := now.Add(-time.Duration(m.opts.cleanupWindows) * ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, w := range m.windows {
		if w.expiresAt.Before(cutoff) {
			delete(m.windows, key)
		}
	}
}

// HitCount implements Storage.HitCount.
func (m *InMemory) HitCount(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok || !m.opts.now().Before(w.expiresAt) {
		return 0, nil
	}
	return w.hits, nil
}

// FlushAll implements Storage.FlushAll.
func (m *InMemory) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	m.windows = make(map[string]window)
	m.mu.Unlock()
	return nil
}

// size returns the number of stored windows, expired ones included.
func (m *InMemory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}
