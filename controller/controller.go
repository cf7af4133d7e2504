// File: controller/controller.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Controller wires one AcceptEngine and a fixed pool of IOEngines into a
// device-facing server and owns the per-connection contexts.

package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-ofc/affinity"
	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/control"
	"github.com/momentics/hioload-ofc/engine"
	"github.com/momentics/hioload-ofc/secure"
	"github.com/momentics/hioload-ofc/transport"
)

// DefaultStartTimeout bounds how long Start waits for every loop.
const DefaultStartTimeout = 5 * time.Second

// ErrNotStarted is returned by Connect before Start.
var ErrNotStarted = errors.New("controller not started")

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock sets the clock driving sweepers, expiry and barrier timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithProtocol sets the message classifier. Without it every message goes
// to Consumer.OnMessage unless it pairs with a request.
func WithProtocol(p Protocol) Option {
	return func(c *Controller) {
		if p != nil {
			c.proto = p
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *control.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithConfigStore shares a live configuration store, e.g. one fed by
// control.Watch.
func WithConfigStore(s *control.ConfigStore) Option {
	return func(c *Controller) {
		if s != nil {
			c.store = s
		}
	}
}

// WithSecureContext supplies a prepared TLS context instead of building one
// from the configuration.
func WithSecureContext(ctx *secure.Context) Option {
	return func(c *Controller) { c.secure = ctx }
}

// WithStartTimeout bounds Start.
func WithStartTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.startTimeout = d
		}
	}
}

// Controller serves device connections.
type Controller struct {
	codec        api.Codec
	consumer     Consumer
	proto        Protocol
	log          *zap.Logger
	clk          clock.Clock
	metrics      *control.Metrics
	store        *control.ConfigStore
	secure       *secure.Context
	startTimeout time.Duration

	accept  *engine.AcceptEngine
	engines []*engine.IOEngine
	next    atomic.Uint64
	conns   *xsync.MapOf[uint64, *Conn]

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	sweep   sync.WaitGroup
}

// New builds a controller from cfg. TLS problems are logged and disable the
// TLS endpoint; they never fail construction.
func New(cfg control.Config, codec api.Codec, consumer Consumer, opts ...Option) (*Controller, error) {
	if codec == nil || consumer == nil {
		return nil, errors.New("controller: codec and consumer are required")
	}
	c := &Controller{
		codec:        codec,
		consumer:     consumer,
		proto:        opaque{},
		log:          zap.NewNop(),
		clk:          clock.New(),
		startTimeout: DefaultStartTimeout,
		conns:        xsync.NewMapOf[uint64, *Conn](),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("controller: %w", err)
		}
		c.store = control.NewConfigStore(cfg)
	}
	cfg = c.store.Get()
	c.log = c.log.Named("controller")

	endpoints := cfg.Endpoints()
	if cfg.TLSPort > 0 || cfg.TLS.Enabled() {
		if c.secure == nil {
			c.secure = secure.NewContext(cfg.TLS)
		}
		for _, err := range c.secure.Errors() {
			c.log.Warn("tls configuration problem", zap.Error(err))
		}
		if !c.secure.Usable() {
			endpoints = plainOnly(endpoints)
			c.log.Warn("tls disabled")
		}
	}

	common := []engine.Option{
		engine.WithLogger(c.log),
		engine.WithClock(c.clk),
		engine.WithSelectTimeout(cfg.SelectTimeout),
		engine.WithSecure(c.secure),
		engine.WithSocketOptions(transport.Options{RecvBuffer: cfg.RecvBuffer, SendBuffer: cfg.SendBuffer, NoDelay: true}),
	}
	for i := 0; i < cfg.Workers; i++ {
		e, err := engine.NewIOEngine(fmt.Sprintf("io-%d", i), codec, c, append(common,
			engine.WithBufferSize(cfg.BufferSize),
			engine.WithGrowthFactor(cfg.GrowthFactor),
			engine.WithMaxAge(cfg.BufferMaxAge),
			engine.WithCPU(affinity.Pick(cfg.CPUs, i)))...)
		if err != nil {
			c.stopEngines()
			return nil, err
		}
		c.engines = append(c.engines, e)
	}
	accept, err := engine.NewAcceptEngine(endpoints, c.hand, common...)
	if err != nil {
		c.stopEngines()
		return nil, err
	}
	c.accept = accept
	c.store.OnReload(c.reload)
	return c, nil
}

func plainOnly(eps []engine.Endpoint) []engine.Endpoint {
	out := eps[:0:0]
	for _, ep := range eps {
		if !ep.Secure {
			out = append(out, ep)
		}
	}
	return out
}

// Start runs every loop and the sweepers. It returns once all loops are
// running or the first one failed to start.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return api.ErrLoopStarted
	}
	c.started = true
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, e := range c.engines {
		e := e
		g.Go(func() error { return c.startLoop(e.Name(), e.Start, e.WaitForStart, e.Err) })
	}
	if err := g.Wait(); err != nil {
		_ = c.Stop()
		return err
	}
	// accept only once every IOEngine is ready to take connections
	if err := c.startLoop("accept", c.accept.Start, c.accept.WaitForStart, c.accept.Err); err != nil {
		_ = c.Stop()
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	cfg := c.store.Get()
	c.runSweeper(sctx, "idle", cfg.IdleCheckInterval, c.pruneIdle)
	c.runSweeper(sctx, "requests", cfg.RequestSweepInterval, c.expireRequests)

	c.log.Info("controller started", zap.Int("workers", len(c.engines)), zap.Any("addrs", c.Addrs()))
	return nil
}

func (c *Controller) startLoop(name string, start func() error, wait func(time.Duration) bool, loopErr func() error) error {
	if err := start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	if !wait(c.startTimeout) {
		if err := loopErr(); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
		return fmt.Errorf("start %s: %w", name, api.ErrTimeout)
	}
	return nil
}

// Stop closes the listeners and every connection, then stops all loops.
// It is safe to call more than once.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sweep.Wait()

	var err error
	c.accept.Stop()
	if !c.accept.WaitForFinish(c.startTimeout) {
		err = multierr.Append(err, errors.New("accept loop did not finish"))
	}
	err = multierr.Append(err, c.accept.Err())

	for _, conn := range c.Conns() {
		conn.Close()
	}
	err = multierr.Append(err, c.stopEngines())
	c.store.Close()
	c.log.Info("controller stopped")
	return err
}

func (c *Controller) stopEngines() error {
	g := new(errgroup.Group)
	for _, e := range c.engines {
		e := e
		g.Go(func() error {
			e.Stop()
			if !e.WaitForFinish(c.startTimeout) {
				return fmt.Errorf("%s did not finish", e.Name())
			}
			return e.Err()
		})
	}
	return g.Wait()
}

// Addrs returns the bound listen addresses once started.
func (c *Controller) Addrs() []net.Addr { return c.accept.BoundAddrs() }

// Engines returns the I/O engines.
func (c *Controller) Engines() []*engine.IOEngine { return c.engines }

// Config returns the live configuration store.
func (c *Controller) Config() *control.ConfigStore { return c.store }

// Conns returns a snapshot of the live connections.
func (c *Controller) Conns() []*Conn {
	out := make([]*Conn, 0, c.conns.Size())
	c.conns.Range(func(_ uint64, conn *Conn) bool {
		out = append(out, conn)
		return true
	})
	return out
}

// Samples reports per-engine statistics for control.Metrics.
func (c *Controller) Samples() []control.EngineSample {
	out := make([]control.EngineSample, 0, len(c.engines))
	for _, e := range c.engines {
		out = append(out, control.EngineSample{Name: e.Name(), Stats: e.Stats()})
	}
	return out
}

// Connect dials a device and registers the connection with an I/O engine.
// The returned connection may still be connecting.
func (c *Controller) Connect(ctx context.Context, address string, tls bool) (*Conn, error) {
	c.mu.Lock()
	running := c.started && !c.stopped
	c.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := c.store.Get()
	ch, err := transport.Dial(address, transport.Options{RecvBuffer: cfg.RecvBuffer, SendBuffer: cfg.SendBuffer, NoDelay: true})
	if err != nil {
		return nil, err
	}
	buf, err := c.pick().RegisterOutbound(ch, tls)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}
	conn := c.connFor(buf)
	if buf.Discarded() {
		c.release(buf, buf.DiscardCause())
		return nil, api.ErrDisconnected
	}
	return conn, nil
}

func (c *Controller) pick() *engine.IOEngine {
	n := c.next.Add(1) - 1
	return c.engines[n%uint64(len(c.engines))]
}

// hand assigns accepted connections round-robin.
func (c *Controller) hand(conn *transport.Conn, tls bool) {
	e := c.pick()
	if _, err := e.RegisterInbound(conn, tls); err != nil {
		c.log.Warn("connection registration failed", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		_ = conn.Close()
	}
}

func (c *Controller) connFor(buf *engine.ConnectionBuffer) *Conn {
	conn, _ := c.conns.LoadOrCompute(buf.ID(), func() *Conn { return newConn(c, buf) })
	return conn
}

func (c *Controller) release(buf *engine.ConnectionBuffer, cause error) *Conn {
	conn, ok := c.conns.LoadAndDelete(buf.ID())
	if !ok {
		return nil
	}
	conn.shutdown(cause)
	return conn
}

// OnMessages implements engine.Handler.
func (c *Controller) OnMessages(buf *engine.ConnectionBuffer, msgs []api.Message) error {
	conn := c.connFor(buf)
	var soft error
	for _, m := range msgs {
		if err := conn.dispatch(m); err != nil {
			if !api.IsRecoverable(err) {
				return err
			}
			soft = multierr.Append(soft, err)
		}
	}
	return api.Recoverable(soft)
}

// Registered implements engine.ConnectionListener.
func (c *Controller) Registered(buf *engine.ConnectionBuffer) {
	conn := c.connFor(buf)
	conn.log.Info("device connected", zap.Bool("outbound", buf.Outbound()), zap.Bool("secure", buf.Secure()))
	c.consumer.OnConnect(conn)
}

// Discarded implements engine.ConnectionListener.
func (c *Controller) Discarded(buf *engine.ConnectionBuffer, cause error) {
	conn := c.release(buf, cause)
	if conn == nil {
		return
	}
	conn.log.Info("device disconnected", zap.Error(cause))
	c.consumer.OnDisconnect(conn, cause)
}

// reload applies new watermarks to every live connection.
func (c *Controller) reload(old, cur control.Config) {
	if old.LowWatermark == cur.LowWatermark && old.HighWatermark == cur.HighWatermark {
		return
	}
	for _, conn := range c.Conns() {
		if err := conn.lim.ChangeWaterMarks(cur.LowWatermark, cur.HighWatermark); err != nil {
			conn.log.Warn("watermark update rejected", zap.Error(err))
		}
	}
	c.log.Info("event watermarks reloaded", zap.Int("low", cur.LowWatermark), zap.Int("high", cur.HighWatermark))
}
