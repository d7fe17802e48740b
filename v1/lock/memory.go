package lock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	lockID string
	// zero for leases that never expire
	expiresAt time.Time
}

func (e memoryEntry) valid(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// InMemory implements Storage and Inspector using local memory. It only
// coordinates goroutines of a single process and is meant for tests and
// single-instance deployments.
type InMemory struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[string]memoryEntry
}

// InMemoryOption configures an InMemory storage.
type InMemoryOption func(*InMemory)

// WithClock overrides the clock used to evaluate expirations.
func WithClock(now func() time.Time) InMemoryOption {
	return func(m *InMemory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewInMemory returns an empty in-memory lock storage.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{now: time.Now, locks: make(map[string]memoryEntry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *InMemory) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl == 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// lookup returns the valid entry for key, dropping it when expired.
// m.mu must be held.
func (m *InMemory) lookup(key string, now time.Time) (memoryEntry, bool) {
	e, ok := m.locks[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.valid(now) {
		delete(m.locks, key)
		return memoryEntry{}, false
	}
	return e, true
}

// Insert implements Storage.Insert.
func (m *InMemory) Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, lockID, ttl); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if _, ok := m.lookup(key, now); ok {
		return false, nil
	}
	m.locks[key] = memoryEntry{lockID: lockID, expiresAt: m.expiry(now, ttl)}
	return true, nil
}

// ReplaceIfEqual implements Storage.ReplaceIfEqual.
func (m *InMemory) ReplaceIfEqual(ctx context.Context, key, newLockID, expectedLockID string, ttl time.Duration) (bool, error) {
	if err := validateInsert(key, newLockID, ttl); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok || e.lockID != expectedLockID {
		return false, nil
	}
	m.locks[key] = memoryEntry{lockID: newLockID, expiresAt: m.expiry(now, ttl)}
	return true, nil
}

// RemoveIfEqual implements Storage.RemoveIfEqual.
func (m *InMemory) RemoveIfEqual(ctx context.Context, key, expectedLockID string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := validateLockID(expectedLockID); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, m.now())
	if !ok || e.lockID != expectedLockID {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

// Expiration implements Storage.Expiration.
func (m *InMemory) Expiration(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := validateKey(key); err != nil {
		return 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.lookup(key, now)
	if !ok || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

// Exists implements Storage.Exists.
func (m *InMemory) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key, m.now())
	return ok, nil
}

func (m *InMemory) record(key string, e memoryEntry) Record {
	r := Record{Resource: key, LockID: e.lockID}
	if !e.expiresAt.IsZero() {
		exp := e.expiresAt
		r.ExpiresAt = &exp
	}
	return r
}

// Get implements Inspector.Get.
func (m *InMemory) Get(ctx context.Context, key string) (*Record, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.lookup(key, m.now())
	if !ok {
		return nil, nil
	}
	r := m.record(key, e)
	return &r, nil
}

// List implements Inspector.List.
func (m *InMemory) List(ctx context.Context, prefix string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Record
	for key := range m.locks {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if e, ok := m.lookup(key, now); ok {
			out = append(out, m.record(key, e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// Count implements Inspector.Count.
func (m *InMemory) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for key := range m.locks {
		if _, ok := m.lookup(key, now); ok {
			n++
		}
	}
	return n, nil
}
