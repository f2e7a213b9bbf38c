// Package progress provides a rate-limited progress sink shared by the
// download manager and the flasher backends.
package progress

import (
	"sync"
	"time"
)

// Func receives progress updates as (units done, total units). A total of
// zero means the total is unknown.
type Func func(done, total int64)

// DefaultInterval is the minimum time between two delivered updates.
const DefaultInterval = 500 * time.Millisecond

// Coalesce wraps f so that intermediate updates arriving faster than the
// interval are dropped. The first update and any update where done == total
// (a terminal update) are always delivered, so callers never miss completion.
// A nil f yields a no-op sink.
func Coalesce(f Func, interval time.Duration) Func {
	if f == nil {
		return func(int64, int64) {}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	var (
		mu   sync.Mutex
		last time.Time
	)
	return func(done, total int64) {
		mu.Lock()
		now := time.Now()
		terminal := total > 0 && done >= total
		if !terminal && !last.IsZero() && now.Sub(last) < interval {
			mu.Unlock()
			return
		}
		last = now
		mu.Unlock()

		f(done, total)
	}
}

// Scale maps updates onto a sub-range of a parent sink, so that a component
// reporting 0..total fills only [lo, hi] percent of the parent's 0..100
// scale. Used by the orchestrator to merge download and flashing progress
// into a single percentage.
func Scale(parent Func, lo, hi float64) Func {
	if parent == nil {
		return func(int64, int64) {}
	}
	return func(done, total int64) {
		if total <= 0 {
			return
		}
		frac := float64(done) / float64(total)
		if frac > 1 {
			frac = 1
		}
		pct := lo + (hi-lo)*frac
		parent(int64(pct), 100)
	}
}
