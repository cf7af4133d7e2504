//go:build !linux
// +build !linux

// File: transport/socket_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package transport

import (
	"net"

	"github.com/momentics/hioload-ofc/api"
)

// Conn is unavailable on this platform.
type Conn struct{}

func (c *Conn) Read([]byte) (int, error) { return 0, api.ErrNotSupported }
func (c *Conn) Write([]byte) (int, error) { return 0, api.ErrNotSupported }
func (c *Conn) Close() error { return nil }
func (c *Conn) Fd() int { return -1 }
func (c *Conn) LocalAddr() net.Addr { return nil }
func (c *Conn) RemoteAddr() net.Addr { return nil }
func (c *Conn) Pending() bool { return false }
func (c *Conn) FinishConnect() error { return api.ErrNotSupported }

// Listener is unavailable on this platform.
type Listener struct{}

func (l *Listener) Fd() int { return -1 }
func (l *Listener) Addr() net.Addr { return nil }
func (l *Listener) Accept(Options) (*Conn, error) { return nil, api.ErrNotSupported }
func (l *Listener) Close() error { return nil }

func Listen(string, int) (*Listener, error) { return nil, api.ErrNotSupported }
func Dial(string, Options) (*Conn, error) { return nil, api.ErrNotSupported }
func Pair() (*Conn, *Conn, error) { return nil, nil, api.ErrNotSupported }
