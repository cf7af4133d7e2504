// File: internal/concurrency/eventloop.go
// Package concurrency implements the single-threaded readiness loop lifecycle.
// Author: momentics <momentics@gmail.com>

package concurrency

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/affinity"
	"github.com/momentics/hioload-ofc/api"
)

// State is a loop lifecycle stage. Transitions only move forward.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "finished"
	}
}

// Body is the per-loop behaviour plugged into a Loop.
type Body interface {
	// Setup runs on the loop thread before the loop reports started.
	Setup() error
	// Iterate runs one pass. A returned error terminates the loop.
	Iterate() error
	// Cleanup runs on the loop thread after the last iteration, even when
	// Setup or Iterate failed.
	Cleanup() error
	// Wakeup interrupts a blocked poll inside Iterate. It may be called
	// from any goroutine.
	Wakeup()
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithCPU pins the loop thread to cpu. Negative values disable pinning.
func WithCPU(cpu int) LoopOption {
	return func(l *Loop) { l.cpu = cpu }
}

// WithLoopLogger sets the logger used for lifecycle diagnostics.
func WithLoopLogger(log *zap.Logger) LoopOption {
	return func(l *Loop) {
		if log != nil {
			l.log = log
		}
	}
}

// Loop drives a Body on a dedicated OS thread.
type Loop struct {
	name string
	body Body
	cpu  int
	log  *zap.Logger

	state    atomic.Int32
	started  chan struct{}
	finished chan struct{}

	mu  sync.Mutex
	err error
}

// NewLoop creates a loop in the created state.
func NewLoop(name string, body Body, opts ...LoopOption) *Loop {
	l := &Loop{
		name:     name,
		body:     body,
		cpu:      -1,
		log:      zap.NewNop(),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// State returns the current lifecycle stage.
func (l *Loop) State() State { return State(l.state.Load()) }

// Running reports whether the loop should keep iterating.
func (l *Loop) Running() bool { return l.State() == StateRunning }

// Start spawns the loop thread.
func (l *Loop) Start() error {
	if !l.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		if l.State() == StateFinished {
			return api.ErrLoopFinished
		}
		return api.ErrLoopStarted
	}
	go l.run()
	return nil
}

// Stop requests termination and wakes the poll. It does not wait.
func (l *Loop) Stop() {
	if l.state.CompareAndSwap(int32(StateCreated), int32(StateFinished)) {
		close(l.finished)
		return
	}
	if l.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		l.body.Wakeup()
	}
}

// WaitForStart reports whether the loop completed Setup within timeout.
func (l *Loop) WaitForStart(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.started:
		return true
	case <-l.finished:
		select {
		case <-l.started:
			return true
		default:
			return false
		}
	case <-t.C:
		return false
	}
}

// WaitForFinish reports whether the loop reached finished within timeout.
func (l *Loop) WaitForFinish(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-l.finished:
		return true
	case <-t.C:
		return false
	}
}

// Done is closed once the loop is finished.
func (l *Loop) Done() <-chan struct{} { return l.finished }

// Err returns the failure captured from the loop body, if any.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Loop) record(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	l.err = multierr.Append(l.err, err)
	l.mu.Unlock()
}

func (l *Loop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.finished)

	if l.cpu >= 0 {
		if err := affinity.SetAffinity(l.cpu); err != nil {
			l.log.Warn("cpu pinning failed", zap.String("loop", l.name), zap.Int("cpu", l.cpu), zap.Error(err))
		}
	}

	if err := l.guard(l.body.Setup); err != nil {
		l.record(err)
	} else {
		close(l.started)
		for l.Running() {
			if err := l.guard(l.body.Iterate); err != nil {
				l.record(err)
				break
			}
		}
	}
	l.record(l.guard(l.body.Cleanup))
	l.state.Store(int32(StateFinished))
	if err := l.Err(); err != nil {
		l.log.Error("event loop terminated with failure", zap.String("loop", l.name), zap.Error(err))
	} else {
		l.log.Debug("event loop finished", zap.String("loop", l.name))
	}
}

// guard converts a panic in fn into an error.
func (l *Loop) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", l.name, r)
		}
	}()
	return fn()
}
