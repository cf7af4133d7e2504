// File: secure/pipe.go
// Author: momentics <momentics@gmail.com>
//
// In-memory net.Conn under crypto/tls. Reads block until the engine feeds
// network bytes; writes never block and accumulate records for Wrap.

package secure

import (
	"io"
	"net"
	"time"
)

type pipeAddr struct{}

func (pipeAddr) Network() string { return "mem" }
func (pipeAddr) String() string { return "mem" }

// memPipe shares the lock of its owning engine.
type memPipe struct {
	e *tlsEngine
}

var _ net.Conn = memPipe{}

func (p memPipe) Read(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.in) == 0 && !e.pipeClosed {
		e.parked = true
		e.cond.Broadcast()
		e.cond.Wait()
	}
	e.parked = false
	if len(e.in) == 0 {
		return 0, io.EOF
	}
	n := copy(b, e.in)
	e.in = e.in[n:]
	if len(e.in) == 0 {
		e.in = nil
	}
	return n, nil
}

func (p memPipe) Write(b []byte) (int, error) {
	e := p.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pipeClosed {
		return 0, io.ErrClosedPipe
	}
	e.out = append(e.out, b...)
	return len(b), nil
}

func (p memPipe) Close() error {
	e := p.e
	e.mu.Lock()
	e.pipeClosed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

func (memPipe) LocalAddr() net.Addr { return pipeAddr{} }
func (memPipe) RemoteAddr() net.Addr { return pipeAddr{} }
func (memPipe) SetDeadline(time.Time) error { return nil }
func (memPipe) SetReadDeadline(time.Time) error { return nil }
func (memPipe) SetWriteDeadline(time.Time) error { return nil }
