// File: controller/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-device connection context: request pipeline, event limiter and
// multipart aggregator around one connection buffer.

package controller

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/control"
	"github.com/momentics/hioload-ofc/engine"
	"github.com/momentics/hioload-ofc/limiter"
	"github.com/momentics/hioload-ofc/multipart"
	"github.com/momentics/hioload-ofc/pipeline"
)

var errNotFragment = api.NewError(api.KindProtocol, "multipart", errors.New("reply is not a multipart fragment"))

// Conn is one device connection.
type Conn struct {
	ctl *Controller
	buf *engine.ConnectionBuffer
	log *zap.Logger

	reg   *pipeline.Registration
	queue atomic.Pointer[pipeline.Queue]
	lim   *limiter.Limiter
	agg   *multipart.Aggregator

	closeOnce sync.Once
	done      chan struct{}
	cause     error
}

var _ pipeline.Handler = (*Conn)(nil)

func newConn(ctl *Controller, buf *engine.ConnectionBuffer) *Conn {
	cfg := ctl.store.Get()
	c := &Conn{
		ctl:  ctl,
		buf:  buf,
		log:  ctl.log.With(zap.Uint64("conn", buf.ID()), zap.String("remote", buf.String())),
		done: make(chan struct{}),
	}
	lim, err := limiter.New(cfg.LowWatermark, cfg.HighWatermark, buf,
		limiter.WithDrainFactor(cfg.DrainFactor), limiter.WithLogger(c.log))
	if err != nil {
		c.log.Warn("invalid watermarks, using defaults", zap.Error(err))
		lim, _ = limiter.New(limiter.DefaultLowWatermark, limiter.DefaultHighWatermark, buf, limiter.WithLogger(c.log))
	}
	c.lim = lim
	c.agg = multipart.New(
		multipart.WithTimeout(cfg.MultipartTimeout),
		multipart.WithClock(ctl.clk),
		multipart.WithLogger(c.log))
	c.reg = pipeline.Register(buf, c, cfg.QueueDepth, cfg.BarrierInterval,
		pipeline.WithLogger(c.log), pipeline.WithClock(ctl.clk))
	buf.SetAttachment(c)
	return c
}

// BarrierFactory implements pipeline.Handler.
func (c *Conn) BarrierFactory() pipeline.BarrierFactory {
	if b, ok := c.ctl.proto.(Barrierer); ok {
		return b.NewBarrier
	}
	return nil
}

// OnQueueChanged implements pipeline.Handler.
func (c *Conn) OnQueueChanged(q *pipeline.Queue) { c.queue.Store(q) }

// Buffer returns the underlying connection buffer.
func (c *Conn) Buffer() *engine.ConnectionBuffer { return c.buf }

// RemoteAddr returns the device address.
func (c *Conn) RemoteAddr() net.Addr { return c.buf.Channel().RemoteAddr() }

// Limiter returns the event limiter of the connection.
func (c *Conn) Limiter() *limiter.Limiter { return c.lim }

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the disconnect cause once Done is closed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// Pending returns the number of unresolved requests.
func (c *Conn) Pending() int {
	if q := c.queue.Load(); q != nil {
		return q.Len()
	}
	return 0
}

// Close discards the connection. Outstanding requests fail with
// api.ErrDisconnected.
func (c *Conn) Close() { c.buf.Discard(nil) }

// Send queues messages that expect no reply.
func (c *Conn) Send(msgs ...api.Message) error {
	return c.buf.Queue(msgs...)
}

// Request sends the message built for a fresh XID and waits for its
// replies. An empty result without error means a barrier proved the
// request processed.
func (c *Conn) Request(ctx context.Context, build func(xid uint32) api.Message) ([]api.Message, error) {
	q := c.queue.Load()
	if q == nil {
		return nil, api.ErrDisconnected
	}
	xid, err := q.Reserve()
	if err != nil {
		return nil, err
	}
	f := pipeline.NewFuture()
	if err := q.Commit(xid, build(xid), c.track(f), nil); err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// RequestMultipart sends a request answered by a multipart reply and
// returns the fragments in arrival order.
func (c *Conn) RequestMultipart(ctx context.Context, build func(xid uint32) api.Message) ([]api.Message, error) {
	q := c.queue.Load()
	if q == nil {
		return nil, api.ErrDisconnected
	}
	xid, err := q.Reserve()
	if err != nil {
		return nil, err
	}
	p, err := c.agg.Register(xid)
	if err != nil {
		_ = q.Commit(xid, nil, nil, nil)
		return nil, err
	}
	sink := c.track(&fragmentSink{agg: c.agg, xid: xid})
	if err := q.Commit(xid, build(xid), sink, nil); err != nil {
		c.agg.Fail(xid, err)
		return nil, err
	}
	return p.Wait(ctx)
}

// Barrier sends a barrier and waits for its reply. Every request written
// before it is resolved when Barrier returns nil.
func (c *Conn) Barrier(ctx context.Context) error {
	q := c.queue.Load()
	if q == nil {
		return api.ErrDisconnected
	}
	f := pipeline.NewFuture()
	if _, err := q.Barrier(f); err != nil {
		return err
	}
	_, err := f.Wait(ctx)
	return err
}

// ReleaseEvent returns the permit of an event accepted by Consumer.OnEvent.
func (c *Conn) ReleaseEvent() { c.lim.Release() }

// dispatch routes one inbound message: automatic replies, request replies,
// stray fragments, rate-limited events and finally the consumer.
func (c *Conn) dispatch(msg api.Message) error {
	p := c.ctl.proto
	if reply, ok := p.NeedsReply(msg); ok {
		return c.buf.Queue(reply)
	}
	q := c.queue.Load()
	if p.IsErrorReply(msg) {
		if tx, ok := msg.(api.Transactional); ok && q != nil {
			derr := api.DeviceError(tx.XID(), msg)
			if q.Fail(tx.XID(), derr) {
				c.agg.Fail(tx.XID(), derr)
				return nil
			}
		}
	}
	if q != nil && q.Pair(msg) {
		return nil
	}
	if p.IsMultipartReply(msg) {
		if frag, ok := msg.(api.Fragment); ok {
			c.agg.AddFragment(frag)
			return nil
		}
	}
	if p.IsEvent(msg) {
		c.event(msg)
		return nil
	}
	c.ctl.consumer.OnMessage(c, msg)
	return nil
}

func (c *Conn) event(msg api.Message) {
	m := c.ctl.metrics
	if c.buf.Filtering() {
		m.Event(control.EventFiltered)
		return
	}
	if !c.lim.Acquire() {
		m.Event(control.EventLimited)
		c.log.Debug("event limited")
		return
	}
	if !c.ctl.consumer.OnEvent(c, msg) {
		m.Event(control.EventRejected)
		c.lim.DrainLowWaterMark()
		c.lim.Release()
		return
	}
	m.Event(control.EventDelivered)
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.reg.Close()
		c.agg.Close()
		close(c.done)
	})
}

// track counts the outcome of a request in the controller metrics.
func (c *Conn) track(s pipeline.Sink) pipeline.Sink {
	if c.ctl.metrics == nil {
		return s
	}
	return &trackedSink{Sink: s, m: c.ctl.metrics}
}

type trackedSink struct {
	pipeline.Sink
	m *control.Metrics
}

func (t *trackedSink) OnReply(msg api.Message, done bool) {
	if done {
		if msg == nil {
			t.m.Request(control.OutcomeImplied)
		} else {
			t.m.Request(control.OutcomeReply)
		}
	}
	t.Sink.OnReply(msg, done)
}

func (t *trackedSink) OnFailure(err error) {
	if api.KindOf(err) == api.KindTimeout {
		t.m.Request(control.OutcomeTimeout)
	} else {
		t.m.Request(control.OutcomeFailed)
	}
	t.Sink.OnFailure(err)
}

// fragmentSink feeds paired replies of a multipart request into the
// aggregator.
type fragmentSink struct {
	agg *multipart.Aggregator
	xid uint32
}

func (s *fragmentSink) OnReply(msg api.Message, done bool) {
	if msg != nil {
		frag, ok := msg.(api.Fragment)
		if !ok {
			s.agg.Fail(s.xid, errNotFragment.WithContext("xid", s.xid))
			return
		}
		s.agg.AddFragment(frag)
	}
	if done {
		s.agg.Finish(s.xid)
	}
}

func (s *fragmentSink) OnFailure(err error) { s.agg.Fail(s.xid, err) }
