// File: fake/channel.go
// Author: momentics <momentics@gmail.com>

package fake

import (
	"io"
	"net"
	"sync"
)

type addr string

func (a addr) Network() string { return "fake" }
func (a addr) String() string { return string(a) }

// Channel is an in-memory api.Channel. Reads drain bytes supplied with
// Feed; writes are recorded and can be throttled.
type Channel struct {
	mu         sync.Mutex
	fd         int
	name       string
	in         []byte
	out        []byte
	eof        bool
	writeLimit int
	readErr    error
	writeErr   error
	closed     bool
	closes     int
}

// NewChannel returns an open channel reporting fd.
func NewChannel(fd int, name string) *Channel {
	return &Channel{fd: fd, name: name, writeLimit: -1}
}

// Feed appends bytes for subsequent reads.
func (c *Channel) Feed(b []byte) {
	c.mu.Lock()
	c.in = append(c.in, b...)
	c.mu.Unlock()
}

// CloseRemote makes reads return io.EOF once fed bytes are consumed.
func (c *Channel) CloseRemote() {
	c.mu.Lock()
	c.eof = true
	c.mu.Unlock()
}

// SetWriteLimit caps the bytes accepted per Write. Zero refuses all
// writes, negative removes the cap.
func (c *Channel) SetWriteLimit(n int) {
	c.mu.Lock()
	c.writeLimit = n
	c.mu.Unlock()
}

// FailReads makes every later Read return err.
func (c *Channel) FailReads(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
}

// FailWrites makes every later Write return err.
func (c *Channel) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Drain returns and forgets everything written so far.
func (c *Channel) Drain() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.out
	c.out = nil
	return b
}

// Written returns a copy of everything written and not yet drained.
func (c *Channel) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out...)
}

// Closes counts calls to Close, including repeated ones.
func (c *Channel) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return 0, io.ErrClosedPipe
	case c.readErr != nil:
		return 0, c.readErr
	case len(c.in) == 0 && c.eof:
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = c.in[n:]
	return n, nil
}

func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.writeLimit >= 0 && n > c.writeLimit {
		n = c.writeLimit
	}
	c.out = append(c.out, p[:n]...)
	return n, nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.closed = true
	return nil
}

func (c *Channel) Fd() int { return c.fd }
func (c *Channel) LocalAddr() net.Addr { return addr("local") }
func (c *Channel) RemoteAddr() net.Addr { return addr(c.name) }
