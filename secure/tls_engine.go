// File: secure/tls_engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RecordEngine over crypto/tls. A helper goroutine runs the handshake and
// the record read loop against an in-memory pipe; the delegated task waits
// until that goroutine has consumed every fed byte and parked.

package secure

import (
	"crypto/tls"
	"errors"
	"io"
	"sync"

	"github.com/momentics/hioload-ofc/api"
)

const readChunk = 16 << 10

type tlsEngine struct {
	conn   *tls.Conn
	server bool

	mu   sync.Mutex
	cond *sync.Cond

	in  []byte // network bytes not yet read by crypto/tls
	out []byte // records produced by crypto/tls, not yet handed to Wrap
	app []byte // decrypted application bytes

	started          bool
	parked           bool
	exited           bool
	pipeClosed       bool
	closed           bool
	handshakeDone    bool
	finishedReported bool
	err              error
}

func newTLSEngine(cfg *tls.Config, server bool) *tlsEngine {
	e := &tlsEngine{server: server}
	e.cond = sync.NewCond(&e.mu)
	p := memPipe{e: e}
	if server {
		e.conn = tls.Server(p, cfg)
	} else {
		e.conn = tls.Client(p, cfg)
	}
	return e
}

// startLocked launches the helper goroutine on first use.
func (e *tlsEngine) startLocked() {
	if e.started || e.closed {
		return
	}
	e.started = true
	go e.run()
}

func (e *tlsEngine) run() {
	err := e.conn.Handshake()
	if err == nil {
		e.mu.Lock()
		e.handshakeDone = true
		e.mu.Unlock()
		buf := make([]byte, readChunk)
		for {
			n, rerr := e.conn.Read(buf)
			if n > 0 {
				e.mu.Lock()
				e.app = append(e.app, buf[:n]...)
				e.mu.Unlock()
			}
			if rerr != nil {
				err = rerr
				break
			}
		}
	}
	e.mu.Lock()
	e.exited = true
	if err != nil && !errors.Is(err, io.EOF) && !e.closed {
		e.err = err
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// settledLocked reports whether the helper goroutine has nothing left to do
// with the bytes fed so far.
func (e *tlsEngine) settledLocked() bool {
	if !e.started {
		return true
	}
	return e.exited || (e.parked && len(e.in) == 0)
}

func (e *tlsEngine) statusLocked(report bool) HandshakeStatus {
	switch {
	case !e.settledLocked():
		return NeedTask
	case len(e.out) > 0:
		return NeedWrap
	case e.handshakeDone && !e.finishedReported:
		if report {
			e.finishedReported = true
			return Finished
		}
		// the next Wrap reports Finished
		return NeedWrap
	case e.handshakeDone, e.exited:
		return NotHandshaking
	default:
		return NeedUnwrap
	}
}

func (e *tlsEngine) HandshakeStatus() HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(false)
}

func (e *tlsEngine) failureLocked(op string) error {
	if e.err == nil {
		return nil
	}
	return api.NewError(api.KindTLS, op, e.err)
}

func (e *tlsEngine) Unwrap(src, dst []byte) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var res Result
	if e.closed {
		res.Status = StatusClosed
		return res, nil
	}
	e.startLocked()

	if len(src) > 0 {
		if !e.exited {
			e.in = append(e.in, src...)
			e.cond.Broadcast()
		}
		res.Consumed = len(src)
	}
	if len(e.app) > 0 {
		res.Produced = copy(dst, e.app)
		e.app = e.app[res.Produced:]
		if len(e.app) == 0 {
			e.app = nil
		}
	}
	res.Handshake = e.statusLocked(true)

	switch {
	case len(e.app) > 0:
		res.Status = StatusBufferOverflow
	case e.exited && res.Produced == 0 && len(e.out) == 0:
		if err := e.failureLocked("unwrap"); err != nil {
			return res, err
		}
		res.Status = StatusClosed
	case res.Consumed == 0 && res.Produced == 0 &&
		(res.Handshake == NeedUnwrap || res.Handshake == NotHandshaking):
		res.Status = StatusBufferUnderflow
	default:
		res.Status = StatusOK
	}
	return res, nil
}

func (e *tlsEngine) Wrap(src, dst []byte) (Result, error) {
	var res Result
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		res.Status = StatusClosed
		return res, nil
	}
	e.startLocked()
	writable := e.handshakeDone && !e.exited && len(src) > 0 && len(e.out) == 0
	e.mu.Unlock()

	if writable {
		// crypto/tls encrypts synchronously into the pipe
		if _, err := e.conn.Write(src); err != nil {
			return res, api.NewError(api.KindTLS, "wrap", err)
		}
		res.Consumed = len(src)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.out) > 0 {
		res.Produced = copy(dst, e.out)
		e.out = e.out[res.Produced:]
		if len(e.out) == 0 {
			e.out = nil
		}
	}
	res.Handshake = e.statusLocked(true)
	switch {
	case len(e.out) > 0:
		res.Status = StatusBufferOverflow
	case e.exited && res.Produced == 0 && res.Consumed == 0:
		if err := e.failureLocked("wrap"); err != nil {
			return res, err
		}
		res.Status = StatusClosed
	default:
		res.Status = StatusOK
	}
	return res, nil
}

func (e *tlsEngine) DelegatedTask() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settledLocked() {
		return nil
	}
	return e.awaitSettled
}

func (e *tlsEngine) awaitSettled() {
	e.mu.Lock()
	for !e.settledLocked() {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

func (e *tlsEngine) CloseOutbound() {
	e.mu.Lock()
	ready := e.handshakeDone && !e.closed
	e.mu.Unlock()
	if ready {
		_ = e.conn.CloseWrite()
	}
}

func (e *tlsEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.pipeClosed = true
	e.in, e.out, e.app = nil, nil, nil
	e.cond.Broadcast()
	return nil
}
