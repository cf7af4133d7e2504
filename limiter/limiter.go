// File: limiter/limiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Permit counter for unsolicited device events with high/low watermark
// hysteresis.

package limiter

import (
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
)

// Default watermarks of a device connection.
const (
	DefaultLowWatermark  = 1000
	DefaultHighWatermark = 2000
)

// Factors applied by UpdateLimit to an upper bound.
const (
	LowWatermarkFactor  = 0.75
	HighWatermarkFactor = 0.95
)

// Limiter admits at most high in-flight permits. Once saturated it stays
// limited until occupancy falls to the effective low watermark. Filtering
// is enabled through the flow-control hook on the limiting transition and
// disabled on the recovering one.
type Limiter struct {
	flow        api.FlowControl
	drainFactor float64
	log         *zap.Logger

	mu           sync.Mutex
	occupied     int
	low          int
	high         int
	effectiveLow int
	limited      bool
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

// WithDrainFactor sets the share of current occupancy DrainLowWaterMark
// subtracts from the effective low watermark. Values outside [0,1) are
// ignored.
func WithDrainFactor(f float64) Option {
	return func(l *Limiter) {
		if f >= 0 && f < 1 {
			l.drainFactor = f
		}
	}
}

// New returns a limiter with the given watermarks. flow may be nil.
func New(low, high int, flow api.FlowControl, opts ...Option) (*Limiter, error) {
	if low < 0 || low > high {
		return nil, api.ErrInvalidWatermarks
	}
	l := &Limiter{
		flow:         flow,
		log:          zap.NewNop(),
		low:          low,
		high:         high,
		effectiveLow: low,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.Named("limiter")
	return l, nil
}

// Acquire takes one permit. It never blocks and returns false once the high
// watermark is reached.
func (l *Limiter) Acquire() bool {
	l.mu.Lock()
	if l.occupied < l.high {
		l.occupied++
		l.mu.Unlock()
		return true
	}
	transition := !l.limited
	if transition {
		l.limited = true
		l.log.Debug("event limit reached", zap.Int("occupied", l.occupied), zap.Int("high", l.high))
	}
	l.mu.Unlock()
	if transition {
		l.setFiltering(true)
	}
	return false
}

// Release returns one permit.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.occupied > 0 {
		l.occupied--
	}
	var transition bool
	if l.occupied <= l.effectiveLow {
		transition = l.limited
		l.limited = false
		l.effectiveLow = l.low
		if transition {
			l.log.Debug("event limit cleared", zap.Int("occupied", l.occupied))
		}
	}
	l.mu.Unlock()
	if transition {
		l.setFiltering(false)
	}
}

// DrainLowWaterMark sets the effective low watermark to the current
// occupancy reduced by the drain factor. The configured low watermark is
// restored as soon as a release brings occupancy down to the drained level.
func (l *Limiter) DrainLowWaterMark() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.effectiveLow = l.occupied - int(float64(l.occupied)*l.drainFactor)
}

// ChangeWaterMarks replaces both watermarks. A limited limiter stays limited
// until a release reaches the new low watermark.
func (l *Limiter) ChangeWaterMarks(low, high int) error {
	if low < 0 || low > high {
		return api.ErrInvalidWatermarks
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.low, l.high, l.effectiveLow = low, high, low
	l.log.Info("watermarks changed", zap.Int("low", low), zap.Int("high", high))
	return nil
}

// UpdateLimit derives both watermarks from an upper bound.
func (l *Limiter) UpdateLimit(upperBound int) error {
	return l.ChangeWaterMarks(int(LowWatermarkFactor*float64(upperBound)), int(HighWatermarkFactor*float64(upperBound)))
}

func (l *Limiter) setFiltering(enabled bool) {
	if l.flow != nil {
		l.flow.SetFiltering(enabled)
	}
}

// Occupied returns the number of permits in use.
func (l *Limiter) Occupied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.occupied
}

// Limited reports whether the limiter is saturated.
func (l *Limiter) Limited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limited
}

// Watermarks returns the configured and effective low watermarks and the
// high watermark.
func (l *Limiter) Watermarks() (low, effectiveLow, high int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.low, l.effectiveLow, l.high
}
