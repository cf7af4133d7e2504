// File: engine/accept.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// AcceptEngine binds listen endpoints and hands accepted sockets to a
// caller-supplied function on its own loop thread.

package engine

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/internal/concurrency"
	"github.com/momentics/hioload-ofc/reactor"
	"github.com/momentics/hioload-ofc/transport"
)

// Endpoint is one listen address. Connections accepted on a secure
// endpoint terminate TLS.
type Endpoint struct {
	Address string
	Secure  bool
}

// AcceptFunc receives every accepted connection that passed the policy.
// It runs on the accept loop thread and must not block.
type AcceptFunc func(conn *transport.Conn, secure bool)

// AcceptRetryDelay is how long a listener stays out of the selector after
// an accept failure other than "no pending connection".
const AcceptRetryDelay = 100 * time.Millisecond

type listener interface {
	Accept(opts transport.Options) (*transport.Conn, error)
	Fd() int
	Addr() net.Addr
	Close() error
}

type listenSocket struct {
	ep Endpoint
	ln listener

	// retryAt is non-zero while the socket is paused after a failure.
	retryAt  time.Time
	failures int
}

// AcceptEngine owns listening sockets and a selector polled for accept readiness.
type AcceptEngine struct {
	endpoints []Endpoint
	hand      AcceptFunc
	cfg       *Config
	log       *zap.Logger

	loop    *concurrency.Loop
	sel     reactor.Selector
	events  []reactor.Event
	sockets map[int]*listenSocket
	bound   []net.Addr
}

// NewAcceptEngine validates the endpoints and opens the selector. Listen
// sockets are bound when the loop starts.
func NewAcceptEngine(endpoints []Endpoint, hand AcceptFunc, opts ...Option) (*AcceptEngine, error) {
	if len(endpoints) == 0 {
		return nil, api.ErrNoListenAddresses
	}
	if hand == nil {
		return nil, fmt.Errorf("acceptengine: accept function is required")
	}
	cfg := buildConfig(opts)
	sel, err := reactor.NewSelector()
	if err != nil {
		return nil, fmt.Errorf("acceptengine: %w", err)
	}
	a := &AcceptEngine{
		endpoints: append([]Endpoint(nil), endpoints...),
		hand:      hand,
		cfg:       cfg,
		log:       cfg.Logger.Named("accept"),
		sel:       sel,
		events:    make([]reactor.Event, len(endpoints)),
		sockets:   make(map[int]*listenSocket, len(endpoints)),
	}
	a.loop = concurrency.NewLoop("accept", a, concurrency.WithCPU(cfg.CPU), concurrency.WithLoopLogger(a.log))
	return a, nil
}

func (a *AcceptEngine) Start() error { return a.loop.Start() }
func (a *AcceptEngine) WaitForStart(d time.Duration) bool { return a.loop.WaitForStart(d) }
func (a *AcceptEngine) WaitForFinish(d time.Duration) bool { return a.loop.WaitForFinish(d) }
func (a *AcceptEngine) Err() error { return a.loop.Err() }
func (a *AcceptEngine) State() concurrency.State { return a.loop.State() }

// Stop requests termination. An engine that never started releases its
// resources immediately.
func (a *AcceptEngine) Stop() {
	neverStarted := a.loop.State() == concurrency.StateCreated
	a.loop.Stop()
	if neverStarted && a.loop.State() == concurrency.StateFinished {
		_ = a.Cleanup()
	}
}

// BoundAddrs returns the addresses actually bound, in endpoint order. It is
// valid once WaitForStart returned true.
func (a *AcceptEngine) BoundAddrs() []net.Addr {
	return append([]net.Addr(nil), a.bound...)
}

// Setup binds every endpoint. A single failure closes whatever was bound.
func (a *AcceptEngine) Setup() error {
	for _, ep := range a.endpoints {
		ln, err := transport.Listen(ep.Address, transport.DefaultBacklog)
		if err != nil {
			return err
		}
		a.sockets[ln.Fd()] = &listenSocket{ep: ep, ln: ln}
		a.bound = append(a.bound, ln.Addr())
		if err := a.sel.Add(ln.Fd(), reactor.Accept); err != nil {
			return fmt.Errorf("register listener %s: %w", ep.Address, err)
		}
		a.log.Info("listening", zap.Stringer("addr", ln.Addr()), zap.Bool("secure", ep.Secure))
	}
	return nil
}

// Iterate polls once and drains every ready listener.
func (a *AcceptEngine) Iterate() error {
	a.resumePaused()
	n, err := a.sel.Select(a.events, a.cfg.SelectTimeout)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if s, ok := a.sockets[a.events[i].Fd]; ok && s.retryAt.IsZero() {
			a.acceptAll(s)
		}
	}
	return nil
}

// pause takes a failing listener out of the selector until AcceptRetryDelay
// has passed. Level-triggered readiness would otherwise report it on every
// poll while the failure persists.
func (a *AcceptEngine) pause(s *listenSocket, err error) {
	s.failures++
	s.retryAt = a.cfg.Clock.Now().Add(AcceptRetryDelay)
	if merr := a.sel.Modify(s.ln.Fd(), 0); merr != nil {
		a.log.Debug("listener pause failed", zap.Stringer("addr", s.ln.Addr()), zap.Error(merr))
	}
	if s.failures == 1 {
		a.log.Warn("accept failed, pausing listener", zap.Stringer("addr", s.ln.Addr()),
			zap.Duration("retry", AcceptRetryDelay), zap.Error(err))
		return
	}
	a.log.Debug("accept failed again", zap.Stringer("addr", s.ln.Addr()), zap.Int("failures", s.failures), zap.Error(err))
}

func (a *AcceptEngine) resumePaused() {
	now := a.cfg.Clock.Now()
	for _, s := range a.sockets {
		if s.retryAt.IsZero() || now.Before(s.retryAt) {
			continue
		}
		s.retryAt = time.Time{}
		if err := a.sel.Modify(s.ln.Fd(), reactor.Accept); err != nil {
			a.log.Warn("listener resume failed", zap.Stringer("addr", s.ln.Addr()), zap.Error(err))
		}
	}
}

func (a *AcceptEngine) acceptAll(s *listenSocket) {
	for {
		conn, err := s.ln.Accept(a.cfg.Socket)
		if err != nil {
			a.pause(s, err)
			return
		}
		if conn == nil {
			return
		}
		if s.failures > 0 {
			a.log.Info("accept recovered", zap.Stringer("addr", s.ln.Addr()), zap.Int("failures", s.failures))
			s.failures = 0
		}
		if !a.cfg.Policy(conn.RemoteAddr()) {
			a.log.Info("connection rejected by policy", zap.Stringer("remote", conn.RemoteAddr()))
			_ = conn.Close()
			continue
		}
		a.log.Debug("connection accepted", zap.Stringer("remote", conn.RemoteAddr()), zap.Bool("secure", s.ep.Secure))
		a.hand(conn, s.ep.Secure)
	}
}

// Cleanup closes every listening socket and the selector.
func (a *AcceptEngine) Cleanup() error {
	var err error
	for fd, s := range a.sockets {
		_ = a.sel.Remove(fd)
		err = multierr.Append(err, s.ln.Close())
		delete(a.sockets, fd)
	}
	return multierr.Append(err, a.sel.Close())
}

// Wakeup implements concurrency.Body.
func (a *AcceptEngine) Wakeup() { _ = a.sel.Wakeup() }
