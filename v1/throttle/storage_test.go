package throttle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// storageFactory returns a fresh storage, the window length its tests should
// use and a function that moves the storage's notion of time forward.
type storageFactory func(t *testing.T) (s Storage, window time.Duration, advance func(time.Duration))

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func runStorageSuite(t *testing.T, factory storageFactory) {
	t.Run("Scenario", func(t *testing.T) { testStorageScenario(t, factory) })
	t.Run("FixedWindow", func(t *testing.T) { testStorageFixedWindow(t, factory) })
	t.Run("Concurrent", func(t *testing.T) { testStorageConcurrent(t, factory) })
	t.Run("Isolation", func(t *testing.T) { testStorageIsolation(t, factory) })
	t.Run("FlushAll", func(t *testing.T) { testStorageFlushAll(t, factory) })
	t.Run("ArgumentErrors", func(t *testing.T) { testStorageArguments(t, factory) })
}

func mustCount(t *testing.T, want, got int64, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if got != want {
		t.Fatalf("%s: expected %d, got %d", what, want, got)
	}
}

func testStorageScenario(t *testing.T, factory storageFactory) {
	s, window, advance := factory(t)
	ctx := context.Background()
	const key = "ip:1.2.3.4"

	for want := int64(1); want <= 5; want++ {
		got, err := s.Increment(ctx, key, window)
		mustCount(t, want, got, err, "increment")
	}
	got, err := s.HitCount(ctx, key)
	mustCount(t, 5, got, err, "hit count")

	advance(window + 100*time.Millisecond)

	got, err = s.HitCount(ctx, key)
	mustCount(t, 0, got, err, "hit count after window")
	got, err = s.Increment(ctx, key, window)
	mustCount(t, 1, got, err, "increment after window")
}

func testStorageFixedWindow(t *testing.T, factory storageFactory) {
	s, window, advance := factory(t)
	ctx := context.Background()
	const key = "fixed"

	got, err := s.Increment(ctx, key, window)
	mustCount(t, 1, got, err, "first hit")
	advance(window / 2)
	got, err = s.Increment(ctx, key, window)
	mustCount(t, 2, got, err, "second hit")
	// a window sliding with the second hit would still be open here
	advance(window/2 + 100*time.Millisecond)
	got, err = s.HitCount(ctx, key)
	mustCount(t, 0, got, err, "hit count after the anchored window")
}

func testStorageConcurrent(t *testing.T, factory storageFactory) {
	s, window, _ := factory(t)
	ctx := context.Background()

	const workers = 32
	var mu sync.Mutex
	var counts []int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			n, err := s.Increment(gctx, "contended", window)
			if err != nil {
				return err
			}
			mu.Lock()
			counts = append(counts, n)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("increment: %v", err)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i] < counts[j] })
	want := make([]int64, workers)
	for i := range want {
		want[i] = int64(i + 1)
	}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Fatalf("counts mismatch (-want +got):\n%s", diff)
	}
}

func testStorageIsolation(t *testing.T, factory storageFactory) {
	s, window, _ := factory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.Increment(ctx, "a", window); err != nil {
			t.Fatalf("increment a: %v", err)
		}
	}
	got, err := s.Increment(ctx, "b", window)
	mustCount(t, 1, got, err, "increment b")
	got, err = s.HitCount(ctx, "a")
	mustCount(t, 3, got, err, "hit count a")
	got, err = s.HitCount(ctx, "missing")
	mustCount(t, 0, got, err, "hit count missing")
}

func testStorageFlushAll(t *testing.T, factory storageFactory) {
	s, window, _ := factory(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if _, err := s.Increment(ctx, key, window); err != nil {
			t.Fatalf("increment %s: %v", key, err)
		}
	}
	if err := s.FlushAll(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		got, err := s.HitCount(ctx, key)
		mustCount(t, 0, got, err, "hit count "+key)
	}
	got, err := s.Increment(ctx, "a", window)
	mustCount(t, 1, got, err, "increment after flush")
}

func testStorageArguments(t *testing.T, factory storageFactory) {
	s, window, _ := factory(t)
	ctx := context.Background()

	if _, err := s.Increment(ctx, "", window); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("increment empty key: expected ErrEmptyResource, got %v", err)
	}
	if _, err := s.Increment(ctx, "k", 0); !errors.Is(err, warperrors.ErrInvalidTTL) {
		t.Fatalf("increment zero ttl: expected ErrInvalidTTL, got %v", err)
	}
	if _, err := s.Increment(ctx, "k", -time.Second); !errors.Is(err, warperrors.ErrInvalidTTL) {
		t.Fatalf("increment negative ttl: expected ErrInvalidTTL, got %v", err)
	}
	if _, err := s.HitCount(ctx, ""); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("hit count empty key: expected ErrEmptyResource, got %v", err)
	}
	got, err := s.HitCount(ctx, "k")
	mustCount(t, 0, got, err, "nothing written")
}
