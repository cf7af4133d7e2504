package secure

import (
	"crypto/tls"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/internal/testutil/tlstest"
)

type side struct {
	e        RecordEngine
	finished bool
	app      []byte
}

// step feeds network bytes and returns the records the engine produced.
func (s *side) step(in []byte) ([]byte, error) {
	var out []byte
	buf := make([]byte, 64<<10)
	src := in
	for i := 0; i < 16; i++ {
		res, err := s.e.Unwrap(src, buf)
		if err != nil {
			return out, err
		}
		src = src[res.Consumed:]
		s.app = append(s.app, buf[:res.Produced]...)
		if res.Handshake == Finished {
			s.finished = true
		}
		RunTasks(s.e)
		for {
			w, err := s.e.Wrap(nil, buf)
			if err != nil {
				return out, err
			}
			out = append(out, buf[:w.Produced]...)
			if w.Handshake == Finished {
				s.finished = true
			}
			if w.Handshake == NeedTask {
				RunTasks(s.e)
				continue
			}
			if w.Produced == 0 && w.Handshake != NeedWrap {
				break
			}
		}
		// a task may have decrypted fed bytes; unwrap again to collect them
		if len(src) == 0 && res.Produced == 0 && res.Status != StatusBufferOverflow && res.Handshake != NeedTask {
			break
		}
	}
	return out, nil
}

func handshake(t *testing.T, client, server *side) error {
	t.Helper()
	var toServer, toClient []byte
	var err error
	for i := 0; i < 20 && !(client.finished && server.finished); i++ {
		if toServer, err = client.step(toClient); err != nil {
			return err
		}
		if toClient, err = server.step(toServer); err != nil {
			return err
		}
	}
	// deliver any trailing server records such as session tickets
	_, err = client.step(toClient)
	return err
}

func material(t *testing.T) (Config, Config) {
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "test-ca")
	srvCert, srvKey := ca.IssueServerCert(t, dir, "switch.test", []string{"switch.test"}, []net.IP{net.ParseIP("127.0.0.1")})
	cliCert, cliKey := ca.IssueClientCert(t, dir, "controller")
	server := Config{CertFile: srvCert, KeyFile: srvKey, TrustFiles: []string{ca.CAFile()}, ClientAuth: true}
	client := Config{CertFile: cliCert, KeyFile: cliKey, TrustFiles: []string{ca.CAFile()}, ServerName: "switch.test"}
	return server, client
}

func newPair(t *testing.T, serverCfg, clientCfg Config) (*side, *side) {
	t.Helper()
	sctx := NewContext(serverCfg)
	require.True(t, sctx.Usable(), "%v", sctx.Errors())
	cctx := NewContext(clientCfg)
	require.True(t, cctx.Usable(), "%v", cctx.Errors())
	se, err := sctx.ServerEngine()
	require.NoError(t, err)
	ce, err := cctx.ClientEngine()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = se.Close()
		_ = ce.Close()
	})
	return &side{e: ce}, &side{e: se}
}

func TestHandshakeAndApplicationData(t *testing.T) {
	serverCfg, clientCfg := material(t)
	client, server := newPair(t, serverCfg, clientCfg)

	require.NoError(t, handshake(t, client, server))
	assert.True(t, client.finished)
	assert.True(t, server.finished)
	assert.Equal(t, NotHandshaking, client.e.HandshakeStatus())

	buf := make([]byte, 64<<10)
	res, err := client.e.Wrap([]byte("hello switch"), buf)
	require.NoError(t, err)
	assert.Equal(t, len("hello switch"), res.Consumed)
	require.Positive(t, res.Produced)

	_, err = server.step(buf[:res.Produced])
	require.NoError(t, err)
	assert.Equal(t, "hello switch", string(server.app))
}

func TestUnwrapOverflowKeepsData(t *testing.T) {
	serverCfg, clientCfg := material(t)
	client, server := newPair(t, serverCfg, clientCfg)
	require.NoError(t, handshake(t, client, server))

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, 64<<10)
	res, err := client.e.Wrap(payload, buf)
	require.NoError(t, err)

	small := make([]byte, 1000)
	_, err = server.e.Unwrap(buf[:res.Produced], small)
	require.NoError(t, err)
	RunTasks(server.e)

	var got []byte
	for {
		r, err := server.e.Unwrap(nil, small)
		require.NoError(t, err)
		got = append(got, small[:r.Produced]...)
		if r.Status != StatusBufferOverflow {
			break
		}
		assert.Equal(t, len(small), r.Produced)
	}
	assert.Equal(t, payload, got)
}

func TestHandshakeFailsWithUntrustedPeer(t *testing.T) {
	serverCfg, clientCfg := material(t)
	otherDir := t.TempDir()
	other := tlstest.NewAuthority(t, otherDir, "other-ca")
	clientCfg.TrustFiles = []string{other.CAFile()}
	client, server := newPair(t, serverCfg, clientCfg)

	err := handshake(t, client, server)
	require.Error(t, err)
	assert.Equal(t, api.KindTLS, api.KindOf(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	serverCfg, clientCfg := material(t)
	client, _ := newPair(t, serverCfg, clientCfg)
	_, err := client.step(nil)
	require.NoError(t, err)
	require.NoError(t, client.e.Close())
	require.NoError(t, client.e.Close())
	res, err := client.e.Unwrap([]byte{1, 2, 3}, make([]byte, 8))
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, res.Status)
	assert.Nil(t, client.e.DelegatedTask())
}

func TestContextCollectsErrors(t *testing.T) {
	c := NewContext(Config{})
	assert.False(t, c.Usable())
	assert.Len(t, c.Errors(), 1)

	c = NewContext(Config{CertFile: "/nonexistent.crt", KeyFile: "/nonexistent.key", TrustFiles: []string{"/nonexistent.pem"}})
	assert.False(t, c.Usable())
	assert.GreaterOrEqual(t, len(c.Errors()), 2)
	assert.Error(t, c.Err())
	_, err := c.ServerEngine()
	assert.Error(t, err)
}

func TestContextUnknownCipherStillUsable(t *testing.T) {
	serverCfg, _ := material(t)
	serverCfg.CipherSuites = []string{"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256", "TLS_NOT_A_SUITE", "TLS_ALSO_BOGUS"}
	c := NewContext(serverCfg)
	assert.True(t, c.Usable())
	assert.Len(t, c.Errors(), 2)
}

func TestFromTLS(t *testing.T) {
	c := FromTLS(&tls.Config{}, nil)
	assert.True(t, c.Usable())
	_, err := c.ClientEngine()
	assert.Error(t, err)
}
