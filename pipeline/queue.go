// File: pipeline/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound request queue of one connection: XID reservation, commit,
// reply pairing, barrier-implied completion and disconnect shutdown.

package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
)

// Writer accepts encoded-on-demand messages for one connection.
// *engine.ConnectionBuffer implements it.
type Writer interface {
	Queue(msgs ...api.Message) error
}

// Sink receives the resolution of one request. OnReply is called once per
// reply until done is true; a nil msg with done set means completion was
// implied by a barrier or by cancelling the reservation. OnFailure is
// called at most once and never after done.
type Sink interface {
	OnReply(msg api.Message, done bool)
	OnFailure(err error)
}

// CompletePredicate decides whether a reply ends its request.
type CompletePredicate func(reply api.Message) bool

// LastFragment completes a request when the reply carries no "more
// fragments follow" indication. It is the default predicate.
func LastFragment(reply api.Message) bool {
	if f, ok := reply.(api.Fragment); ok {
		return !f.MoreFollows()
	}
	return true
}

// ErrNoBarrierFactory is returned by Barrier on a queue created without one.
var ErrNoBarrierFactory = errors.New("pipeline: queue has no barrier factory")

// BarrierFactory builds the barrier request for an XID.
type BarrierFactory func(xid uint32) api.Transactional

type entry struct {
	xid       uint32
	created   time.Time
	committed bool
	resolved  bool
	barrier   bool
	seq       uint64
	msg       api.Message
	sink      Sink
	complete  CompletePredicate
}

// notification is a sink call deferred until the table lock is released.
type notification struct {
	sink Sink
	msg  api.Message
	done bool
	err  error
}

func (n notification) deliver() {
	if n.sink == nil {
		return
	}
	if n.err != nil {
		n.sink.OnFailure(n.err)
		return
	}
	n.sink.OnReply(n.msg, n.done)
}

// Queue pipelines requests on one connection. All methods are safe for
// concurrent use. Sinks run on the goroutine that resolved them.
type Queue struct {
	w       Writer
	barrier BarrierFactory
	log     *zap.Logger
	clk     clock.Clock

	depth    int
	interval time.Duration

	mu           sync.Mutex
	next         uint32
	entries      map[uint32]*entry
	order        []*entry
	outstanding  int
	sinceBarrier int
	seq          uint64
	outbox       *queue.Queue
	draining     bool
	timer        *clock.Timer
	shutdown     bool
}

func newQueue(w Writer, barrier BarrierFactory, depth int, interval time.Duration, cfg *config) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Queue{
		w:        w,
		barrier:  barrier,
		log:      cfg.log,
		clk:      cfg.clk,
		depth:    depth,
		interval: interval,
		next:     cfg.firstXID,
		entries:  make(map[uint32]*entry),
		outbox:   queue.New(),
	}
}

// Depth returns the maximum number of outstanding requests.
func (q *Queue) Depth() int { return q.depth }

// Len returns the number of reserved and not yet resolved requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Closed reports whether the queue was shut down.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shutdown
}

// Reserve allocates the XID of a new request. It never blocks and returns
// ErrQueueFull when the configured depth is reached.
func (q *Queue) Reserve() (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.shutdown {
		return 0, api.ErrDisconnected
	}
	if q.outstanding >= q.depth {
		return 0, api.ErrQueueFull
	}
	return q.reserveLocked().xid, nil
}

func (q *Queue) reserveLocked() *entry {
	for {
		if _, taken := q.entries[q.next]; !taken {
			break
		}
		q.next++
	}
	e := &entry{xid: q.next, created: q.clk.Now()}
	q.next++
	q.entries[e.xid] = e
	q.order = append(q.order, e)
	q.outstanding++
	return e
}

// Commit sends msg under a reserved xid and attaches sink. A nil msg
// cancels the reservation and completes sink immediately. A nil complete
// uses LastFragment.
func (q *Queue) Commit(xid uint32, msg api.Message, sink Sink, complete CompletePredicate) error {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		if sink != nil {
			sink.OnFailure(api.ErrDisconnected)
		}
		return api.ErrDisconnected
	}
	e, ok := q.entries[xid]
	switch {
	case !ok:
		q.mu.Unlock()
		return api.ErrNotReserved.WithContext("xid", xid)
	case e.committed:
		q.mu.Unlock()
		return api.ErrAlreadyCommitted.WithContext("xid", xid)
	}

	if msg == nil {
		q.resolveLocked(e)
		q.compactLocked()
		q.mu.Unlock()
		if sink != nil {
			sink.OnReply(nil, true)
		}
		return nil
	}

	if complete == nil {
		complete = LastFragment
	}
	e.committed = true
	e.msg = msg
	e.sink = sink
	e.complete = complete
	q.enqueueLocked(e)
	q.sinceBarrier++
	if q.depth >= 2 && q.sinceBarrier >= q.depth/2 && q.barrier != nil {
		q.insertBarrierLocked(nil)
	} else {
		q.armTimerLocked()
	}
	q.mu.Unlock()
	q.drain()
	return nil
}

// Barrier reserves an XID, sends a barrier request and returns the XID.
// Its reply completes every request written before it.
func (q *Queue) Barrier(sink Sink) (uint32, error) {
	if q.barrier == nil {
		return 0, ErrNoBarrierFactory
	}
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return 0, api.ErrDisconnected
	}
	e := q.insertBarrierLocked(sink)
	q.mu.Unlock()
	q.drain()
	return e.xid, nil
}

// insertBarrierLocked reserves past the depth limit so a full queue can
// still be drained by a barrier.
func (q *Queue) insertBarrierLocked(sink Sink) *entry {
	e := q.reserveLocked()
	e.committed = true
	e.barrier = true
	e.sink = sink
	e.complete = func(api.Message) bool { return true }
	if q.barrier != nil {
		e.msg = q.barrier(e.xid)
	}
	q.sinceBarrier = 0
	q.stopTimerLocked()
	q.enqueueLocked(e)
	q.log.Debug("barrier queued", zap.Uint32("xid", e.xid))
	return e
}

func (q *Queue) enqueueLocked(e *entry) {
	q.seq++
	e.seq = q.seq
	q.outbox.Add(e)
}

// drain writes queued messages in commit order. Only one goroutine writes
// at a time and the table lock is not held while writing.
func (q *Queue) drain() {
	var failed []notification
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	for q.outbox.Length() > 0 {
		e := q.outbox.Remove().(*entry)
		msg := e.msg
		e.msg = nil
		if msg == nil || e.resolved {
			continue
		}
		q.mu.Unlock()
		err := q.w.Queue(msg)
		q.mu.Lock()
		if err != nil && !e.resolved {
			q.log.Debug("request write failed", zap.Uint32("xid", e.xid), zap.Error(err))
			q.resolveLocked(e)
			failed = append(failed, notification{sink: e.sink, err: api.NewError(api.KindLocal, "write", err).WithContext("xid", e.xid)})
		}
	}
	q.draining = false
	q.compactLocked()
	q.mu.Unlock()
	for _, n := range failed {
		n.deliver()
	}
}

// Pair correlates a reply with its request and reports whether it matched.
// A barrier reply first completes every earlier request written before the
// barrier, in ascending XID order.
func (q *Queue) Pair(reply api.Message) bool {
	tx, ok := reply.(api.Transactional)
	if !ok {
		return false
	}
	q.mu.Lock()
	e, ok := q.entries[tx.XID()]
	if !ok || !e.committed || e.resolved {
		q.mu.Unlock()
		return false
	}

	var calls []notification
	if e.barrier {
		for _, p := range q.order {
			if p == e {
				break
			}
			if p.resolved || !p.committed || p.seq > e.seq {
				continue
			}
			q.resolveLocked(p)
			calls = append(calls, notification{sink: p.sink, done: true})
		}
	}
	done := e.complete(reply)
	if done {
		q.resolveLocked(e)
	}
	calls = append(calls, notification{sink: e.sink, msg: reply, done: done})
	q.compactLocked()
	if q.sinceBarrier == 0 || q.outstanding == 0 {
		q.stopTimerLocked()
	}
	q.mu.Unlock()

	if len(calls) > 1 {
		q.log.Debug("barrier implied completion", zap.Uint32("xid", e.xid), zap.Int("completed", len(calls)-1))
	}
	for _, n := range calls {
		n.deliver()
	}
	return true
}

// Fail resolves one committed request with a failure, for instance an
// error reply from the device.
func (q *Queue) Fail(xid uint32, err error) bool {
	q.mu.Lock()
	e, ok := q.entries[xid]
	if !ok || !e.committed || e.resolved {
		q.mu.Unlock()
		return false
	}
	q.resolveLocked(e)
	q.compactLocked()
	q.mu.Unlock()
	notification{sink: e.sink, err: err}.deliver()
	return true
}

// ExpireOlderThan fails committed requests pending longer than age with a
// timeout and drops reservations that were never committed. It returns
// the number of requests removed.
func (q *Queue) ExpireOlderThan(age time.Duration) int {
	now := q.clk.Now()
	var calls []notification
	n := 0
	q.mu.Lock()
	for _, e := range q.order {
		if e.resolved || now.Sub(e.created) <= age {
			continue
		}
		q.resolveLocked(e)
		n++
		if !e.committed {
			q.log.Warn("reservation never committed", zap.Uint32("xid", e.xid))
			continue
		}
		calls = append(calls, notification{
			sink: e.sink,
			err:  api.NewError(api.KindTimeout, "request", errors.New("no reply from device")).WithContext("xid", e.xid),
		})
	}
	q.compactLocked()
	q.mu.Unlock()
	for _, c := range calls {
		c.deliver()
	}
	return n
}

// Shutdown fails every outstanding request with ErrDisconnected and
// rejects later reservations. It returns the number of failed requests.
func (q *Queue) Shutdown() int {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return 0
	}
	q.shutdown = true
	q.stopTimerLocked()
	var calls []notification
	for _, e := range q.order {
		if e.resolved {
			continue
		}
		e.resolved = true
		e.msg = nil
		if e.committed {
			calls = append(calls, notification{sink: e.sink, err: api.ErrDisconnected})
		}
	}
	q.entries = make(map[uint32]*entry)
	q.order = nil
	q.outstanding = 0
	for q.outbox.Length() > 0 {
		q.outbox.Remove()
	}
	q.mu.Unlock()

	q.log.Debug("queue shut down", zap.Int("failed", len(calls)))
	for _, c := range calls {
		c.deliver()
	}
	return len(calls)
}

func (q *Queue) resolveLocked(e *entry) {
	if e.resolved {
		return
	}
	e.resolved = true
	delete(q.entries, e.xid)
	q.outstanding--
}

// compactLocked drops resolved entries from the head of the order list
// and rebuilds it when mostly resolved.
func (q *Queue) compactLocked() {
	i := 0
	for i < len(q.order) && q.order[i].resolved {
		i++
	}
	q.order = q.order[i:]
	if len(q.order) > 32 && q.outstanding < len(q.order)/2 {
		live := make([]*entry, 0, q.outstanding)
		for _, e := range q.order {
			if !e.resolved {
				live = append(live, e)
			}
		}
		q.order = live
	}
	if len(q.order) == 0 {
		q.order = nil
	}
}

func (q *Queue) armTimerLocked() {
	if q.interval <= 0 || q.timer != nil || q.barrier == nil {
		return
	}
	q.timer = q.clk.AfterFunc(q.interval, q.onBarrierTimer)
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) onBarrierTimer() {
	q.mu.Lock()
	q.timer = nil
	if q.shutdown || q.sinceBarrier == 0 {
		q.mu.Unlock()
		return
	}
	q.insertBarrierLocked(nil)
	q.mu.Unlock()
	q.drain()
}
