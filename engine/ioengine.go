// File: engine/ioengine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// IOEngine drives many connection buffers on one locked OS thread through a
// readiness selector. Registrations arrive from any goroutine through a FIFO
// and are applied on the loop thread.

package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/internal/concurrency"
	"github.com/momentics/hioload-ofc/reactor"
	"github.com/momentics/hioload-ofc/secure"
	"github.com/momentics/hioload-ofc/transport"
)

// Handler consumes messages decoded on the loop thread, in arrival order.
// An error discards the buffer unless it is marked recoverable. A handler
// that stops early returns api.RecoverableAt with the index of the failed
// message and receives the rest of the batch in a further call.
type Handler interface {
	OnMessages(buf *ConnectionBuffer, msgs []api.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(buf *ConnectionBuffer, msgs []api.Message) error

// OnMessages implements Handler.
func (f HandlerFunc) OnMessages(buf *ConnectionBuffer, msgs []api.Message) error {
	return f(buf, msgs)
}

// ConnectionListener is optionally implemented by a Handler to observe
// buffer lifecycle.
type ConnectionListener interface {
	Registered(buf *ConnectionBuffer)
	Discarded(buf *ConnectionBuffer, cause error)
}

// pendingConnect is implemented by channels created with a non-blocking connect.
type pendingConnect interface {
	Pending() bool
}

// Stats is a point-in-time view of an engine.
type Stats struct {
	Connections int
	Registered  uint64
	Discarded   uint64
	InMessages  int64
	InBytes     int64
	OutMessages int64
	OutBytes    int64
}

// IOEngine owns a selector and the buffers registered with it.
type IOEngine struct {
	name     string
	cfg      *Config
	codec    api.Codec
	handler  Handler
	listener ConnectionListener
	log      *zap.Logger

	loop    *concurrency.Loop
	sel     reactor.Selector
	events  []reactor.Event
	buffers *xsync.MapOf[int, *ConnectionBuffer]

	regMu   sync.Mutex
	pending *queue.Queue
	closed  bool

	registered atomic.Uint64
	discards   atomic.Uint64
	// totals of discarded buffers
	doneInMsgs, doneInBytes, doneOutMsgs, doneOutBytes atomic.Int64
}

// NewIOEngine creates an engine. Failure to open the selector is fatal.
func NewIOEngine(name string, codec api.Codec, handler Handler, opts ...Option) (*IOEngine, error) {
	if codec == nil || handler == nil {
		return nil, errors.New("ioengine: codec and handler are required")
	}
	cfg := buildConfig(opts)
	sel, err := reactor.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("ioengine %s: %w", name, err)
	}
	e := &IOEngine{
		name:    name,
		cfg:     cfg,
		codec:   codec,
		handler: handler,
		log:     cfg.Logger.Named("ioengine").With(zap.String("loop", name)),
		sel:     sel,
		events:  make([]reactor.Event, cfg.MaxEvents),
		buffers: xsync.NewMapOf[int, *ConnectionBuffer](),
		pending: queue.New(),
	}
	if l, ok := handler.(ConnectionListener); ok {
		e.listener = l
	}
	e.loop = concurrency.NewLoop(name, e, concurrency.WithCPU(cfg.CPU), concurrency.WithLoopLogger(e.log))
	return e, nil
}

func (e *IOEngine) Name() string { return e.name }
func (e *IOEngine) Start() error { return e.loop.Start() }
func (e *IOEngine) WaitForStart(d time.Duration) bool { return e.loop.WaitForStart(d) }
func (e *IOEngine) WaitForFinish(d time.Duration) bool { return e.loop.WaitForFinish(d) }
func (e *IOEngine) Err() error { return e.loop.Err() }
func (e *IOEngine) State() concurrency.State { return e.loop.State() }
func (e *IOEngine) Len() int { return e.buffers.Size() }

// Stop requests termination. An engine that never started releases its
// resources immediately.
func (e *IOEngine) Stop() {
	neverStarted := e.loop.State() == concurrency.StateCreated
	e.loop.Stop()
	if neverStarted && e.loop.State() == concurrency.StateFinished {
		_ = e.Cleanup()
	}
}

// RegisterInbound queues an accepted channel. When secure is set the buffer
// terminates TLS in the server role.
func (e *IOEngine) RegisterInbound(ch api.Channel, secure bool) (*ConnectionBuffer, error) {
	return e.register(ch, false, secure)
}

// RegisterOutbound queues a dialed channel, possibly still connecting. When
// secure is set the buffer runs TLS in the client role.
func (e *IOEngine) RegisterOutbound(ch api.Channel, secure bool) (*ConnectionBuffer, error) {
	return e.register(ch, true, secure)
}

func (e *IOEngine) register(ch api.Channel, outbound, tls bool) (*ConnectionBuffer, error) {
	if st := e.loop.State(); st == concurrency.StateStopping || st == concurrency.StateFinished {
		return nil, api.ErrEngineStopped
	}
	var rec secure.RecordEngine
	if tls {
		var err error
		if outbound {
			rec, err = e.cfg.Secure.ClientEngine()
		} else {
			rec, err = e.cfg.Secure.ServerEngine()
		}
		if err != nil {
			return nil, api.NewError(api.KindTLS, "register", err)
		}
	}
	buf := newBuffer(e, ch, e.codec, outbound, rec, e.cfg)
	e.regMu.Lock()
	if e.closed {
		e.regMu.Unlock()
		if rec != nil {
			_ = rec.Close()
		}
		return nil, api.ErrEngineStopped
	}
	e.pending.Add(buf)
	e.regMu.Unlock()
	if err := e.sel.Wakeup(); err != nil {
		e.log.Warn("selector wakeup failed", zap.Error(err))
	}
	return buf, nil
}

func (e *IOEngine) wakeup() {
	_ = e.sel.Wakeup()
}

// Setup implements concurrency.Body.
func (e *IOEngine) Setup() error {
	e.log.Debug("io engine started")
	return nil
}

// Iterate implements concurrency.Body: registrations, pre-poll flush,
// readiness poll, dispatch.
func (e *IOEngine) Iterate() error {
	e.drainRegistrations()
	e.flushPending()
	n, err := e.sel.Select(e.events, e.cfg.SelectTimeout)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		ev := e.events[i]
		if buf, ok := e.buffers.Load(ev.Fd); ok {
			e.handle(buf, ev)
		}
	}
	return nil
}

// Cleanup implements concurrency.Body.
func (e *IOEngine) Cleanup() error {
	e.regMu.Lock()
	e.closed = true
	var queued []*ConnectionBuffer
	for e.pending.Length() > 0 {
		queued = append(queued, e.pending.Remove().(*ConnectionBuffer))
	}
	e.regMu.Unlock()
	for _, buf := range queued {
		buf.Discard(api.ErrEngineStopped)
	}
	for _, buf := range e.Buffers() {
		buf.Discard(api.ErrEngineStopped)
	}
	return e.sel.Close()
}

// Wakeup implements concurrency.Body.
func (e *IOEngine) Wakeup() { e.wakeup() }

func (e *IOEngine) drainRegistrations() {
	for {
		e.regMu.Lock()
		if e.pending.Length() == 0 {
			e.regMu.Unlock()
			return
		}
		buf := e.pending.Remove().(*ConnectionBuffer)
		e.regMu.Unlock()
		e.attach(buf)
	}
}

func (e *IOEngine) attach(buf *ConnectionBuffer) {
	if buf.Discarded() {
		return
	}
	fd := buf.ch.Fd()
	interest := reactor.Read
	connecting := false
	if pc, ok := buf.ch.(pendingConnect); ok && pc.Pending() {
		interest = reactor.Connect
		connecting = true
	}
	buf.interest = interest
	e.buffers.Store(fd, buf)
	if err := e.sel.Add(fd, interest); err != nil {
		e.discard(buf, fmt.Errorf("register fd=%d: %w", fd, err))
		return
	}
	if buf.Discarded() {
		// discarded by another goroutine while being attached
		e.unregister(buf)
		return
	}
	buf.touch()
	e.registered.Add(1)
	e.log.Debug("connection registered", zap.Int("fd", fd), zap.String("remote", buf.String()),
		zap.Bool("outbound", buf.outbound), zap.Bool("secure", buf.Secure()))
	if e.listener != nil {
		e.listener.Registered(buf)
	}
	if !connecting {
		e.connected(buf)
	}
}

func (e *IOEngine) connected(buf *ConnectionBuffer) {
	if err := buf.beginHandshake(); err != nil {
		e.discard(buf, err)
	}
}

// flushPending writes buffers with output and arms write interest for
// those the channel could not drain.
func (e *IOEngine) flushPending() {
	e.buffers.Range(func(fd int, buf *ConnectionBuffer) bool {
		if buf.interest&reactor.Connect != 0 {
			return true
		}
		pending := buf.flushIfWriteNotPending()
		if err := buf.FlushError(); err != nil {
			e.discard(buf, err)
			return true
		}
		if pending && buf.interest&reactor.Write == 0 {
			e.setInterest(buf, buf.interest|reactor.Write)
		}
		return true
	})
}

func (e *IOEngine) setInterest(buf *ConnectionBuffer, interest reactor.Interest) {
	if err := e.sel.Modify(buf.ch.Fd(), interest); err != nil {
		e.discard(buf, err)
		return
	}
	buf.interest = interest
}

// deliver hands msgs to the handler, resuming after recoverable failures.
// It reports false when buf was discarded.
func (e *IOEngine) deliver(buf *ConnectionBuffer, msgs []api.Message) bool {
	for len(msgs) > 0 {
		herr := e.handler.OnMessages(buf, msgs)
		if herr == nil {
			return true
		}
		if !api.IsRecoverable(herr) {
			e.discard(buf, herr)
			return false
		}
		e.log.Warn("recoverable message processing error", zap.String("remote", buf.String()), zap.Error(herr))
		i, ok := api.FailedAt(herr)
		if !ok || i >= len(msgs) {
			return true
		}
		msgs = msgs[i+1:]
	}
	return true
}

// handle processes one readiness event. Failures are contained to buf.
func (e *IOEngine) handle(buf *ConnectionBuffer, ev reactor.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("connection handler panicked", zap.String("remote", buf.String()), zap.Any("panic", r))
			e.discard(buf, api.NewError(api.KindInternal, "handle", fmt.Errorf("panic: %v", r)))
		}
	}()

	if ev.Ready&reactor.Connect != 0 {
		if c, ok := buf.ch.(api.Connector); ok {
			if err := c.FinishConnect(); err != nil {
				e.discard(buf, err)
				return
			}
		}
		e.setInterest(buf, reactor.Read)
		buf.touch()
		e.connected(buf)
		return
	}

	if ev.Ready&reactor.Read != 0 || ev.Hangup {
		msgs, err := buf.dequeue()
		if !e.deliver(buf, msgs) {
			return
		}
		if err != nil {
			e.discard(buf, err)
			return
		}
	}

	if ev.Ready&reactor.Write != 0 && !buf.Discarded() {
		pending := buf.flushIfPossible()
		if err := buf.FlushError(); err != nil {
			e.discard(buf, err)
			return
		}
		if !pending {
			e.setInterest(buf, buf.interest&^reactor.Write)
		}
	}
}

func (e *IOEngine) discard(buf *ConnectionBuffer, cause error) {
	if buf.Discarded() {
		return
	}
	switch {
	case cause == nil, errors.Is(cause, io.EOF), transport.IsTransient(cause):
		e.log.Debug("connection closed", zap.String("remote", buf.String()), zap.Error(cause))
	case errors.Is(cause, api.ErrEngineStopped):
		e.log.Debug("connection closed on shutdown", zap.String("remote", buf.String()))
	default:
		e.log.Warn("connection discarded", zap.String("remote", buf.String()), zap.Error(cause))
	}
	buf.Discard(cause)
}

// unregister is called by ConnectionBuffer.Discard from any goroutine.
func (e *IOEngine) unregister(buf *ConnectionBuffer) {
	fd := buf.ch.Fd()
	if cur, ok := e.buffers.Load(fd); ok && cur == buf {
		e.buffers.Delete(fd)
		if err := e.sel.Remove(fd); err != nil {
			e.log.Debug("selector remove failed", zap.Int("fd", fd), zap.Error(err))
		}
	}
}

// discarded is called once per buffer after its channel is closed.
func (e *IOEngine) discarded(buf *ConnectionBuffer, cause error) {
	e.discards.Add(1)
	e.doneInMsgs.Add(buf.inMsgs.Total())
	e.doneInBytes.Add(buf.inBytes.Total())
	e.doneOutMsgs.Add(buf.outMsgs.Total())
	e.doneOutBytes.Add(buf.outBytes.Total())
	if e.listener != nil {
		e.listener.Discarded(buf, cause)
	}
}

// PruneStale discards buffers idle for longer than the maximum age and
// returns how many were discarded. It may be called from any goroutine.
func (e *IOEngine) PruneStale() int {
	n := 0
	for _, buf := range e.Buffers() {
		if buf.Stale() {
			e.log.Debug("pruning stale connection", zap.String("remote", buf.String()),
				zap.Time("last_activity", buf.LastActivity()))
			buf.Discard(api.NewError(api.KindTimeout, "prune", errors.New("connection idle")))
			n++
		}
	}
	return n
}

// Buffers returns a snapshot of the registered buffers.
func (e *IOEngine) Buffers() []*ConnectionBuffer {
	out := make([]*ConnectionBuffer, 0, e.buffers.Size())
	e.buffers.Range(func(_ int, buf *ConnectionBuffer) bool {
		out = append(out, buf)
		return true
	})
	return out
}

// Stats aggregates live and discarded buffer counters.
func (e *IOEngine) Stats() Stats {
	s := Stats{
		Registered:  e.registered.Load(),
		Discarded:   e.discards.Load(),
		InMessages:  e.doneInMsgs.Load(),
		InBytes:     e.doneInBytes.Load(),
		OutMessages: e.doneOutMsgs.Load(),
		OutBytes:    e.doneOutBytes.Load(),
	}
	for _, buf := range e.Buffers() {
		if buf.Discarded() {
			continue
		}
		s.Connections++
		s.InMessages += buf.inMsgs.Total()
		s.InBytes += buf.inBytes.Total()
		s.OutMessages += buf.outMsgs.Total()
		s.OutBytes += buf.outBytes.Total()
	}
	return s
}
