// File: engine/tracker.go
// Author: momentics <momentics@gmail.com>
//
// Freezable throughput counters attached to every connection buffer.

package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// Tracker counts events and reports their rate. Once frozen, Add is ignored
// and Total and Rate return stable final values.
type Tracker struct {
	clk   clock.Clock
	start time.Time

	total  atomic.Int64
	frozen atomic.Bool

	mu       sync.Mutex
	frozenAt time.Time
}

// NewTracker starts a tracker at the current clock time.
func NewTracker(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{clk: clk, start: clk.Now()}
}

// Add increments the counter unless the tracker is frozen.
func (t *Tracker) Add(n int64) {
	if t.frozen.Load() {
		return
	}
	t.total.Add(n)
}

// Total returns the accumulated count.
func (t *Tracker) Total() int64 { return t.total.Load() }

// Freeze stops counting. Only the first call has an effect.
func (t *Tracker) Freeze() bool {
	if !t.frozen.CompareAndSwap(false, true) {
		return false
	}
	t.mu.Lock()
	t.frozenAt = t.clk.Now()
	t.mu.Unlock()
	return true
}

// Frozen reports whether Freeze was called.
func (t *Tracker) Frozen() bool { return t.frozen.Load() }

// Duration is the tracked interval, ending at the freeze time when frozen.
func (t *Tracker) Duration() time.Duration {
	end := t.clk.Now()
	if t.frozen.Load() {
		t.mu.Lock()
		end = t.frozenAt
		t.mu.Unlock()
	}
	return end.Sub(t.start)
}

// Rate returns events per second over Duration.
func (t *Tracker) Rate() float64 {
	d := t.Duration()
	if d <= 0 {
		return 0
	}
	return float64(t.Total()) / d.Seconds()
}
