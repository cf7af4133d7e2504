//go:build linux
// +build linux

// File: transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux non-blocking sockets on raw descriptors.

package transport

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Conn is a non-blocking stream socket. It implements api.Channel and
// api.Connector.
type Conn struct {
	fd      int
	local   net.Addr
	remote  net.Addr
	pending atomic.Bool
	closed  atomic.Bool
}

// Read returns (0, nil) when the socket has no data and io.EOF on orderly shutdown.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Read(c.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, nil
	case err != nil:
		return 0, Classify("read", err)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

// Write returns the number of bytes the kernel accepted, possibly zero.
func (c *Conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(c.fd, p)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if err != nil {
		return 0, Classify("write", err)
	}
	return n, nil
}

// Close is idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(c.fd)
}

func (c *Conn) Fd() int { return c.fd }
func (c *Conn) LocalAddr() net.Addr { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

// Pending reports whether a non-blocking connect is still in progress.
func (c *Conn) Pending() bool { return c.pending.Load() }

// FinishConnect completes a pending connect after connect readiness.
func (c *Conn) FinishConnect() error {
	if !c.pending.Load() {
		return nil
	}
	soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return Classify("connect", err)
	}
	if soerr != 0 {
		return Classify("connect", unix.Errno(soerr))
	}
	c.pending.Store(false)
	if sa, err := unix.Getsockname(c.fd); err == nil {
		c.local = sockaddrToAddr(sa)
	}
	return nil
}

// Listener is a non-blocking listening socket.
type Listener struct {
	fd     int
	addr   net.Addr
	closed atomic.Bool
}

// Listen binds and listens on a TCP address such as "127.0.0.1:6653".
func Listen(address string, backlog int) (*Listener, error) {
	sa, family, err := resolve(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", address, err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return &Listener{fd: fd, addr: sockaddrToAddr(bound)}, nil
}

func (l *Listener) Fd() int { return l.fd }
func (l *Listener) Addr() net.Addr { return l.addr }

// Accept returns (nil, nil) when no connection is waiting.
func (l *Listener) Accept(opts Options) (*Conn, error) {
	nfd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return nil, nil
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	applyOptions(nfd, opts)
	c := &Conn{fd: nfd, remote: sockaddrToAddr(sa), local: l.addr}
	if local, err := unix.Getsockname(nfd); err == nil {
		c.local = sockaddrToAddr(local)
	}
	return c, nil
}

// Close is idempotent.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(l.fd)
}

// Dial starts a non-blocking connect. The returned Conn may still be
// pending; the caller completes it with FinishConnect on connect readiness.
func Dial(address string, opts Options) (*Conn, error) {
	sa, family, err := resolve(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket create: %w", err)
	}
	applyOptions(fd, opts)
	c := &Conn{fd: fd, remote: sockaddrToAddr(sa)}
	switch err := unix.Connect(fd, sa); err {
	case nil:
	case unix.EINPROGRESS, unix.EINTR:
		c.pending.Store(true)
	default:
		_ = unix.Close(fd)
		return nil, Classify("connect", err)
	}
	if local, err := unix.Getsockname(fd); err == nil {
		c.local = sockaddrToAddr(local)
	}
	return c, nil
}

// Pair returns two connected non-blocking stream sockets.
func Pair() (*Conn, *Conn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	a := &net.UnixAddr{Name: fmt.Sprintf("pair:%d", fds[0]), Net: "unix"}
	b := &net.UnixAddr{Name: fmt.Sprintf("pair:%d", fds[1]), Net: "unix"}
	return &Conn{fd: fds[0], local: a, remote: b}, &Conn{fd: fds[1], local: b, remote: a}, nil
}

func applyOptions(fd int, opts Options) {
	if opts.RecvBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBuffer)
	}
	if opts.SendBuffer > 0 {
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SendBuffer)
	}
	if opts.NoDelay {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
}

func resolve(address string) (unix.Sockaddr, int, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", address, err)
	}
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if addr.IP != nil {
			copy(sa.Addr[:], addr.IP.To4())
		}
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: sa.Name, Net: "unix"}
	}
	return nil
}
