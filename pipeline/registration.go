// File: pipeline/registration.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Queue ownership across reconnects. The protocol layer registers a handler
// once and is told whenever the queue instance changes.

package pipeline

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is supplied by the protocol layer.
type Handler interface {
	// BarrierFactory builds barrier requests for implied completion.
	BarrierFactory() BarrierFactory
	// OnQueueChanged is called with the new queue after Register and
	// Reconnect, and with nil once the registration is closed.
	OnQueueChanged(q *Queue)
}

// Registration owns the current queue of one device.
type Registration struct {
	h        Handler
	depth    int
	interval time.Duration
	cfg      *config

	mu     sync.Mutex
	q      *Queue
	closed bool
}

// Register creates a queue writing to w. maxQueueDepth bounds outstanding
// requests; a barrier is inserted after maxQueueDepth/2 commits or when
// maxBarrierInterval elapses with unresolved requests.
func Register(w Writer, h Handler, maxQueueDepth int, maxBarrierInterval time.Duration, opts ...Option) *Registration {
	r := &Registration{
		h:        h,
		depth:    maxQueueDepth,
		interval: maxBarrierInterval,
		cfg:      buildConfig(opts),
	}
	r.q = newQueue(w, h.BarrierFactory(), maxQueueDepth, maxBarrierInterval, r.cfg)
	h.OnQueueChanged(r.q)
	return r
}

// Queue returns the current queue, or nil once closed.
func (r *Registration) Queue() *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.q
}

// Reconnect replaces the queue with one writing to w. Requests on the old
// queue fail with a disconnect.
func (r *Registration) Reconnect(w Writer) *Queue {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	old := r.q
	r.q = newQueue(w, r.h.BarrierFactory(), r.depth, r.interval, r.cfg)
	q := r.q
	r.mu.Unlock()

	failed := old.Shutdown()
	r.cfg.log.Debug("queue replaced", zap.Int("failed", failed))
	r.h.OnQueueChanged(q)
	return q
}

// Close shuts the queue down and notifies the handler with nil.
func (r *Registration) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	q := r.q
	r.q = nil
	r.mu.Unlock()

	q.Shutdown()
	r.h.OnQueueChanged(nil)
}
