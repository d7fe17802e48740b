package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

// shortTTL is long enough for the slowest backend to perform a few round
// trips before it elapses.
const shortTTL = 200 * time.Millisecond

// storageFactory returns a fresh storage and a function that moves the
// storage's notion of time forward by d.
type storageFactory func(t *testing.T) (Storage, func(d time.Duration))

// fakeClock is a manually advanced clock.
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
	t.Run("MutualExclusion", func(t *testing.T) { testStorageMutualExclusion(t, factory) })
	t.Run("Expiry", func(t *testing.T) { testStorageExpiry(t, factory) })
	t.Run("NoExpiration", func(t *testing.T) { testStorageNoExpiration(t, factory) })
	t.Run("RenewResetsExpiration", func(t *testing.T) { testStorageRenew(t, factory) })
	t.Run("ArgumentErrors", func(t *testing.T) { testStorageArguments(t, factory) })
	t.Run("Inspector", func(t *testing.T) { testStorageInspector(t, factory) })
}

func mustBool(t *testing.T, want bool, got bool, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
	if got != want {
		t.Fatalf("%s: expected %v, got %v", what, want, got)
	}
}

func testStorageScenario(t *testing.T, factory storageFactory) {
	s, _ := factory(t)
	ctx := context.Background()
	const key = "order:42"

	ok, err := s.Insert(ctx, key, "A", 30*time.Second)
	mustBool(t, true, ok, err, "insert A")
	ok, err = s.Insert(ctx, key, "B", 30*time.Second)
	mustBool(t, false, ok, err, "insert B")
	ok, err = s.ReplaceIfEqual(ctx, key, "C", "B", 30*time.Second)
	mustBool(t, false, ok, err, "replace expecting B")
	ok, err = s.ReplaceIfEqual(ctx, key, "C", "A", 30*time.Second)
	mustBool(t, true, ok, err, "replace expecting A")
	ok, err = s.RemoveIfEqual(ctx, key, "A")
	mustBool(t, false, ok, err, "remove A")
	ok, err = s.RemoveIfEqual(ctx, key, "C")
	mustBool(t, true, ok, err, "remove C")
	ok, err = s.Exists(ctx, key)
	mustBool(t, false, ok, err, "exists")
}

func testStorageMutualExclusion(t *testing.T, factory storageFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	const workers = 16
	var winners atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			ok, err := s.Insert(gctx, "contended", id, time.Minute)
			if err != nil {
				return err
			}
			if ok {
				winners.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n := winners.Load(); n != 1 {
		t.Fatalf("expected exactly one winner, got %d", n)
	}
}

func testStorageExpiry(t *testing.T, factory storageFactory) {
	s, advance := factory(t)
	ctx := context.Background()
	const key = "expiring"

	ok, err := s.Insert(ctx, key, "A", shortTTL)
	mustBool(t, true, ok, err, "insert")
	ttl, ok, err := s.Expiration(ctx, key)
	mustBool(t, true, ok, err, "expiration")
	if ttl <= 0 || ttl > shortTTL {
		t.Fatalf("expected ttl in (0, %v], got %v", shortTTL, ttl)
	}

	advance(shortTTL + 100*time.Millisecond)

	ok, err = s.Exists(ctx, key)
	mustBool(t, false, ok, err, "exists after expiry")
	_, ok, err = s.Expiration(ctx, key)
	mustBool(t, false, ok, err, "expiration after expiry")
	ok, err = s.ReplaceIfEqual(ctx, key, "A", "A", time.Minute)
	mustBool(t, false, ok, err, "renew after expiry")
	ok, err = s.RemoveIfEqual(ctx, key, "A")
	mustBool(t, false, ok, err, "remove after expiry")
	ok, err = s.Insert(ctx, key, "B", time.Minute)
	mustBool(t, true, ok, err, "insert after expiry")
	ok, err = s.RemoveIfEqual(ctx, key, "B")
	mustBool(t, true, ok, err, "remove B")
}

func testStorageNoExpiration(t *testing.T, factory storageFactory) {
	s, advance := factory(t)
	ctx := context.Background()
	const key = "forever"

	ok, err := s.Insert(ctx, key, "A", 0)
	mustBool(t, true, ok, err, "insert")
	_, ok, err = s.Expiration(ctx, key)
	mustBool(t, false, ok, err, "expiration of infinite lease")

	advance(shortTTL + 100*time.Millisecond)

	ok, err = s.Exists(ctx, key)
	mustBool(t, true, ok, err, "exists")
	ok, err = s.ReplaceIfEqual(ctx, key, "A", "A", 0)
	mustBool(t, true, ok, err, "renew infinite")
	ok, err = s.RemoveIfEqual(ctx, key, "A")
	mustBool(t, true, ok, err, "remove")
}

func testStorageRenew(t *testing.T, factory storageFactory) {
	s, advance := factory(t)
	ctx := context.Background()
	const key = "renewed"

	ok, err := s.Insert(ctx, key, "A", shortTTL)
	mustBool(t, true, ok, err, "insert")
	ok, err = s.ReplaceIfEqual(ctx, key, "A", "A", time.Minute)
	mustBool(t, true, ok, err, "renew")

	advance(shortTTL + 100*time.Millisecond)

	ok, err = s.Exists(ctx, key)
	mustBool(t, true, ok, err, "exists after renewal")
	ttl, ok, err := s.Expiration(ctx, key)
	mustBool(t, true, ok, err, "expiration after renewal")
	if ttl <= shortTTL {
		t.Fatalf("expected renewed ttl above %v, got %v", shortTTL, ttl)
	}
	ok, err = s.Insert(ctx, key, "B", time.Minute)
	mustBool(t, false, ok, err, "insert while renewed")
}

func testStorageArguments(t *testing.T, factory storageFactory) {
	s, _ := factory(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, "", "A", time.Minute); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("insert empty key: expected ErrEmptyResource, got %v", err)
	}
	if _, err := s.Insert(ctx, "k", "", time.Minute); !errors.Is(err, warperrors.ErrEmptyLockID) {
		t.Fatalf("insert empty id: expected ErrEmptyLockID, got %v", err)
	}
	if _, err := s.Insert(ctx, "k", "A", -time.Second); !errors.Is(err, warperrors.ErrInvalidTTL) {
		t.Fatalf("insert negative ttl: expected ErrInvalidTTL, got %v", err)
	}
	if _, err := s.Insert(ctx, "k", "A", Infinite); !errors.Is(err, warperrors.ErrInvalidTTL) {
		t.Fatalf("insert Infinite: expected ErrInvalidTTL, got %v", err)
	}
	if _, err := s.ReplaceIfEqual(ctx, "k", "B", "", time.Minute); !errors.Is(err, warperrors.ErrEmptyLockID) {
		t.Fatalf("replace empty expected id: expected ErrEmptyLockID, got %v", err)
	}
	if _, err := s.RemoveIfEqual(ctx, "", "A"); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("remove empty key: expected ErrEmptyResource, got %v", err)
	}
	if _, _, err := s.Expiration(ctx, ""); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("expiration empty key: expected ErrEmptyResource, got %v", err)
	}
	if _, err := s.Exists(ctx, ""); !errors.Is(err, warperrors.ErrEmptyResource) {
		t.Fatalf("exists empty key: expected ErrEmptyResource, got %v", err)
	}
	// nothing was written
	if ok, err := s.Exists(ctx, "k"); err != nil || ok {
		t.Fatalf("expected k to be absent, ok %v err %v", ok, err)
	}
}

func testStorageInspector(t *testing.T, factory storageFactory) {
	s, advance := factory(t)
	in, ok := s.(Inspector)
	if !ok {
		t.Skip("storage does not implement Inspector")
	}
	ctx := context.Background()

	for key, ttl := range map[string]time.Duration{
		"job:a":    time.Minute,
		"job:b":    0,
		"job:c":    shortTTL,
		"report:x": time.Minute,
	} {
		ok, err := s.Insert(ctx, key, "id-"+key, ttl)
		mustBool(t, true, ok, err, "insert "+key)
	}

	rec, err := in.Get(ctx, "job:a")
	if err != nil || rec == nil {
		t.Fatalf("get job:a: rec %v err %v", rec, err)
	}
	if rec.LockID != "id-job:a" || rec.ExpiresAt == nil {
		t.Fatalf("unexpected record %+v", rec)
	}
	rec, err = in.Get(ctx, "job:b")
	if err != nil || rec == nil || rec.ExpiresAt != nil {
		t.Fatalf("get job:b: expected infinite record, got %+v err %v", rec, err)
	}
	if rec, err := in.Get(ctx, "missing"); err != nil || rec != nil {
		t.Fatalf("get missing: rec %v err %v", rec, err)
	}

	advance(shortTTL + 100*time.Millisecond)

	recs, err := in.List(ctx, "job:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 2 || recs[0].Resource != "job:a" || recs[1].Resource != "job:b" {
		t.Fatalf("expected job:a and job:b, got %+v", recs)
	}
	n, err := in.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 valid locks, got %d", n)
	}
}
