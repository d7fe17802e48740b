package lock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/syncbus"
)

// recordingStorage wraps a Storage and records the ttl of every call.
type recordingStorage struct {
	Storage

	mu    sync.Mutex
	calls int
	ttls  []time.Duration
}

func (r *recordingStorage) Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	r.record(ttl)
	return r.Storage.Insert(ctx, key, lockID, ttl)
}

func (r *recordingStorage) ReplaceIfEqual(ctx context.Context, key, newLockID, expectedLockID string, ttl time.Duration) (bool, error) {
	r.record(ttl)
	return r.Storage.ReplaceIfEqual(ctx, key, newLockID, expectedLockID, ttl)
}

func (r *recordingStorage) RemoveIfEqual(ctx context.Context, key, expectedLockID string) (bool, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.Storage.RemoveIfEqual(ctx, key, expectedLockID)
}

func (r *recordingStorage) record(ttl time.Duration) {
	r.mu.Lock()
	r.calls++
	r.ttls = append(r.ttls, ttl)
	r.mu.Unlock()
}

func (r *recordingStorage) lastTTL() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ttls[len(r.ttls)-1]
}

func (r *recordingStorage) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newTestProvider(opts ...ProviderOption) (*Provider, *fakeClock) {
	clock := newFakeClock()
	opts = append([]ProviderOption{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewProvider(NewInMemory(WithClock(clock.Now)), opts...), clock
}

func TestProviderAcquireRenewRelease(t *testing.T) {
	p, clock := newTestProvider()
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "res", WithTTL(time.Minute))
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	if h.Resource() != "res" || h.LockID() == "" || h.TTL() != time.Minute {
		t.Fatalf("unexpected handle %+v", h.Info())
	}
	if locked, err := p.IsLocked(ctx, "res"); err != nil || !locked {
		t.Fatalf("expected res locked, got %v err %v", locked, err)
	}

	info, err := p.Info(ctx, "res")
	if err != nil || info == nil {
		t.Fatalf("info: %v err %v", info, err)
	}
	if info.LockID != h.LockID() || info.TimeToLive == nil {
		t.Fatalf("unexpected info %+v", info)
	}

	clock.Advance(50 * time.Second)
	if ok, err := h.Renew(ctx); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	clock.Advance(50 * time.Second)
	if locked, _ := p.IsLocked(ctx, "res"); !locked {
		t.Fatal("renewal did not extend the lease")
	}

	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	if ok, err := h.Release(ctx); err != nil || ok {
		t.Fatalf("second release: expected false, got ok %v err %v", ok, err)
	}
	if info, err := p.Info(ctx, "res"); err != nil || info != nil {
		t.Fatalf("expected no info after release, got %+v err %v", info, err)
	}
}

func TestProviderRenewAfterExpiryFails(t *testing.T) {
	p, clock := newTestProvider()
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "res", WithTTL(time.Second))
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	clock.Advance(2 * time.Second)
	if ok, err := p.Renew(ctx, h); err != nil || ok {
		t.Fatalf("renew after expiry: expected false, got ok %v err %v", ok, err)
	}
	if ok, err := p.Release(ctx, h); err != nil || ok {
		t.Fatalf("release after expiry: expected false, got ok %v err %v", ok, err)
	}
	h2, err := p.TryAcquire(ctx, "res")
	if err != nil || h2 == nil {
		t.Fatalf("reacquire after expiry: h %v err %v", h2, err)
	}
	if ok, _ := p.Renew(ctx, h); ok {
		t.Fatal("stale handle renewed a lock it does not own")
	}
}

func TestProviderTryAcquireTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	p, _ := newTestProvider()
	ctx := context.Background()
	if h, err := p.TryAcquire(ctx, "res"); err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}

	start := time.Now()
	h, err := p.TryAcquire(ctx, "res", WithAcquireTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("expected no error on timeout, got %v", err)
	}
	if h != nil {
		t.Fatal("expected nil handle on timeout")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > time.Second {
		t.Fatalf("acquire did not respect the timeout, took %v", elapsed)
	}

	if _, err := p.Acquire(ctx, "res", WithAcquireTimeout(10*time.Millisecond)); !errors.Is(err, warperrors.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
}

func TestProviderTryAcquireCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := syncbus.NewInMemoryBus()
	p, _ := newTestProvider(WithBus(bus))
	if h, err := p.TryAcquire(context.Background(), "res"); err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	start := time.Now()
	h, err := p.TryAcquire(ctx, "res", WithAcquireTimeout(Infinite))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got h %v err %v", h, err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestProviderRejectsInvalidArguments(t *testing.T) {
	rec := &recordingStorage{Storage: NewInMemory()}
	p := NewProvider(rec)
	ctx := context.Background()

	cases := []struct {
		name     string
		resource string
		opts     []AcquireOption
		want     error
	}{
		{"empty resource", "", nil, warperrors.ErrEmptyResource},
		{"zero ttl", "res", []AcquireOption{WithTTL(0)}, warperrors.ErrInvalidTTL},
		{"negative ttl", "res", []AcquireOption{WithTTL(-time.Second)}, warperrors.ErrInvalidTTL},
		{"zero timeout", "res", []AcquireOption{WithAcquireTimeout(0)}, warperrors.ErrInvalidTimeout},
		{"negative timeout", "res", []AcquireOption{WithAcquireTimeout(-time.Second)}, warperrors.ErrInvalidTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.TryAcquire(ctx, tc.resource, tc.opts...); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n := rec.callCount(); n != 0 {
		t.Fatalf("expected no storage calls, got %d", n)
	}
}

func TestProviderNormalizesInfiniteTTL(t *testing.T) {
	rec := &recordingStorage{Storage: NewInMemory()}
	p := NewProvider(rec)
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "forever", WithTTL(Infinite))
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	if got := rec.lastTTL(); got != 0 {
		t.Fatalf("expected storage ttl 0 for Infinite, got %v", got)
	}
	if h.TTL() != Infinite || h.Info().TimeToLive != nil {
		t.Fatalf("expected infinite handle, got ttl %v info %+v", h.TTL(), h.Info())
	}
	if ok, err := h.Renew(ctx); err != nil || !ok {
		t.Fatalf("renew: ok %v err %v", ok, err)
	}
	if got := rec.lastTTL(); got != 0 {
		t.Fatalf("expected renewal to keep storage ttl 0, got %v", got)
	}
	if ok, err := h.Renew(ctx, WithTTL(time.Minute)); err != nil || !ok {
		t.Fatalf("renew with ttl: ok %v err %v", ok, err)
	}
	if got := rec.lastTTL(); got != time.Minute {
		t.Fatalf("expected storage ttl 1m, got %v", got)
	}

	if _, err := p.TryAcquire(ctx, "default"); err != nil {
		t.Fatalf("acquire default: %v", err)
	}
	if got := rec.lastTTL(); got != DefaultTTL {
		t.Fatalf("expected default ttl %v, got %v", DefaultTTL, got)
	}

	pi := NewProvider(rec, WithDefaultTTL(Infinite))
	if _, err := pi.TryAcquire(ctx, "default-infinite"); err != nil {
		t.Fatalf("acquire with infinite default: %v", err)
	}
	if got := rec.lastTTL(); got != 0 {
		t.Fatalf("expected storage ttl 0 for Infinite default, got %v", got)
	}
}

func TestProviderBusWakesWaiter(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	// a poll interval far above the test deadline proves the wake-up came
	// from the notification
	p := NewProvider(NewInMemory(), WithBus(bus), WithPollInterval(time.Minute))
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "res")
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	got := make(chan *Handle, 1)
	go func() {
		h, _ := p.TryAcquire(ctx, "res", WithAcquireTimeout(10*time.Second))
		got <- h
	}()
	time.Sleep(20 * time.Millisecond)
	if ok, err := h.Release(ctx); err != nil || !ok {
		t.Fatalf("release: ok %v err %v", ok, err)
	}
	select {
	case h2 := <-got:
		if h2 == nil {
			t.Fatal("waiter did not acquire")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestProviderMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, _ := newTestProvider(WithMetrics(reg))
	ctx := context.Background()

	h, _ := p.TryAcquire(ctx, "res")
	_, _ = p.TryAcquire(ctx, "res", WithAcquireTimeout(10*time.Millisecond))
	_, _ = h.Renew(ctx)
	_, _ = h.Release(ctx)
	_, _ = h.Release(ctx)

	expected := `
# HELP warden_lock_acquire_total Total number of lock acquisitions by result
# TYPE warden_lock_acquire_total counter
warden_lock_acquire_total{result="acquired"} 1
warden_lock_acquire_total{result="timeout"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "warden_lock_acquire_total"); err != nil {
		t.Fatal(err)
	}
	n, err := testutil.GatherAndCount(reg, "warden_lock_release_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected success and lost release series, got %d", n)
	}
}

func TestProviderTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	p, _ := newTestProvider(WithTracerProvider(tp))
	ctx := context.Background()
	h, err := p.TryAcquire(ctx, "res")
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	if _, err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}

	var names []string
	for _, s := range sr.Ended() {
		names = append(names, s.Name())
	}
	if len(names) != 2 || names[0] != "Provider.TryAcquire" || names[1] != "Provider.Release" {
		t.Fatalf("unexpected spans %v", names)
	}
}

func TestProviderResumeHandle(t *testing.T) {
	p, _ := newTestProvider()
	ctx := context.Background()

	h, err := p.TryAcquire(ctx, "res")
	if err != nil || h == nil {
		t.Fatalf("acquire: h %v err %v", h, err)
	}
	if _, err := p.Resume("", h.LockID(), time.Minute); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("expected ErrEmptyResource, got %v", err)
	}
	if _, err := p.Resume("res", "", time.Minute); !errors.Is(err, warperrors.ErrEmptyLockID) {
		t.Fatalf("expected ErrEmptyLockID, got %v", err)
	}

	other, err := p.Resume("res", "someone-else", time.Minute)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ok, _ := other.Release(ctx); ok {
		t.Fatal("released with a foreign lock id")
	}
	resumed, err := p.Resume("res", h.LockID(), time.Minute)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if ok, err := resumed.Renew(ctx); err != nil || !ok {
		t.Fatalf("renew resumed: ok %v err %v", ok, err)
	}
	if ok, err := resumed.Release(ctx); err != nil || !ok {
		t.Fatalf("release resumed: ok %v err %v", ok, err)
	}
}

// cancellingStorage cancels the caller's context while Insert is in flight
// and fails with the context error, as a network backend would.
type cancellingStorage struct {
	Storage
	cancel context.CancelFunc
}

func (c *cancellingStorage) Insert(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	c.cancel()
	<-ctx.Done()
	return false, ctx.Err()
}

func TestProviderMetricsCancelledDuringInsert(t *testing.T) {
	reg := prometheus.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewProvider(&cancellingStorage{Storage: NewInMemory(), cancel: cancel}, WithMetrics(reg))

	h, err := p.TryAcquire(ctx, "res")
	if !errors.Is(err, context.Canceled) || h != nil {
		t.Fatalf("expected context.Canceled, got h %v err %v", h, err)
	}

	expected := `
# HELP warden_lock_acquire_total Total number of lock acquisitions by result
# TYPE warden_lock_acquire_total counter
warden_lock_acquire_total{result="cancelled"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "warden_lock_acquire_total"); err != nil {
		t.Fatal(err)
	}
}
