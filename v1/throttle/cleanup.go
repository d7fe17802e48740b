package throttle

import (
	"time"

	"go.uber.org/atomic"
)

// cleanupGate lets one caller per interval through. The timestamp is local
// to the storage instance; other processes run their own cleanups, which is
// harmless since the delete is idempotent.
type cleanupGate struct {
	interval time.Duration
	last     atomic.Int64 // unix nanoseconds of the last cleanup
}

func newCleanupGate(interval time.Duration, now time.Time) *cleanupGate {
	g := &cleanupGate{interval: interval}
	g.last.Store(now.UnixNano())
	return g
}

// due reports whether the caller should run a cleanup now. Concurrent
// callers race on a compare-and-swap so at most one of them wins.
func (g *cleanupGate) due(now time.Time) bool {
	last := g.last.Load()
	if now.UnixNano()-last < int64(g.interval) {
		return false
	}
	return g.last.CompareAndSwap(last, now.UnixNano())
}
