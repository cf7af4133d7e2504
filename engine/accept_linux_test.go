//go:build linux
// +build linux

package engine

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/internal/concurrency"
	"github.com/momentics/hioload-ofc/reactor"
	"github.com/momentics/hioload-ofc/transport"
)

type accepted struct {
	conn   *transport.Conn
	secure bool
}

func startAcceptEngine(t *testing.T, eps []Endpoint, opts ...Option) (*AcceptEngine, chan accepted) {
	t.Helper()
	out := make(chan accepted, 8)
	a, err := NewAcceptEngine(eps, func(c *transport.Conn, secure bool) {
		out <- accepted{c, secure}
	}, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Start())
	require.True(t, a.WaitForStart(time.Second))
	t.Cleanup(func() {
		a.Stop()
		a.WaitForFinish(time.Second)
	})
	return a, out
}

func TestAcceptEngineRequiresAddresses(t *testing.T) {
	_, err := NewAcceptEngine(nil, func(*transport.Conn, bool) {})
	assert.ErrorIs(t, err, api.ErrNoListenAddresses)
}

func TestAcceptEngineHandsOffWithSecureFlag(t *testing.T) {
	a, out := startAcceptEngine(t, []Endpoint{
		{Address: "127.0.0.1:0"},
		{Address: "127.0.0.1:0", Secure: true},
	})
	addrs := a.BoundAddrs()
	require.Len(t, addrs, 2)

	for i, secure := range []bool{false, true} {
		c, err := net.Dial("tcp", addrs[i].String())
		require.NoError(t, err)
		defer c.Close()
		select {
		case got := <-out:
			assert.Equal(t, secure, got.secure)
			assert.NotNil(t, got.conn.RemoteAddr())
			_ = got.conn.Close()
		case <-time.After(2 * time.Second):
			t.Fatal("connection not handed off")
		}
	}
}

func TestAcceptEnginePolicyRejects(t *testing.T) {
	a, out := startAcceptEngine(t, []Endpoint{{Address: "127.0.0.1:0"}},
		WithAcceptPolicy(func(net.Addr) bool { return false }))

	c, err := net.Dial("tcp", a.BoundAddrs()[0].String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, out)
}

func TestAcceptEngineClosesListenersOnStop(t *testing.T) {
	a, _ := startAcceptEngine(t, []Endpoint{{Address: "127.0.0.1:0"}})
	addr := a.BoundAddrs()[0].String()

	a.Stop()
	require.True(t, a.WaitForFinish(time.Second))
	assert.Equal(t, concurrency.StateFinished, a.State())
	assert.NoError(t, a.Err())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestAcceptEngineBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	a, err := NewAcceptEngine([]Endpoint{{Address: "127.0.0.1:0"}, {Address: ln.Addr().String()}},
		func(*transport.Conn, bool) {})
	require.NoError(t, err)
	require.NoError(t, a.Start())
	assert.False(t, a.WaitForStart(time.Second))
	require.True(t, a.WaitForFinish(time.Second))
	assert.Error(t, a.Err())
}

type failingListener struct {
	listener
	calls int
}

func (f *failingListener) Accept(transport.Options) (*transport.Conn, error) {
	f.calls++
	return nil, unix.EMFILE
}

func TestAcceptEnginePausesFailingListener(t *testing.T) {
	mock := clock.NewMock()
	a, err := NewAcceptEngine([]Endpoint{{Address: "127.0.0.1:0"}},
		func(*transport.Conn, bool) {}, WithClock(mock), WithSelectTimeout(10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, a.Setup())
	t.Cleanup(func() { _ = a.Cleanup() })

	var (
		fd     int
		failer *failingListener
	)
	for sfd, s := range a.sockets {
		fd = sfd
		failer = &failingListener{listener: s.ln}
		s.ln = failer
	}

	c, err := net.Dial("tcp", a.BoundAddrs()[0].String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, a.Iterate())
	require.Equal(t, 1, failer.calls)
	interest, ok := a.sel.Interest(fd)
	require.True(t, ok)
	assert.Equal(t, reactor.Interest(0), interest)

	// paused: the pending connection is not polled again
	for i := 0; i < 3; i++ {
		require.NoError(t, a.Iterate())
	}
	assert.Equal(t, 1, failer.calls)

	mock.Add(AcceptRetryDelay)
	require.NoError(t, a.Iterate())
	assert.Equal(t, 2, failer.calls)
	interest, _ = a.sel.Interest(fd)
	assert.Equal(t, reactor.Interest(0), interest)
}
