package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
)

func encodeAll(t *testing.T, msgs ...*Message) []byte {
	t.Helper()
	var out []byte
	c := Codec{}
	for _, m := range msgs {
		b := make([]byte, m.Length())
		require.NoError(t, c.Encode(m, b))
		out = append(out, b...)
	}
	return out
}

func TestCodecRoundTrip(t *testing.T) {
	in := []*Message{
		New(TypeHello, 1, nil),
		NewEchoRequest(2, []byte("ping")),
		NewMultipart(TypeMultipartReply, 3, 1, true, []byte{1, 2, 3}),
		NewBarrier(4),
	}
	data := encodeAll(t, in...)

	c := Codec{}
	var out []*Message
	for len(data) > 0 {
		m, n, err := c.Decode(data)
		require.NoError(t, err)
		require.NotNil(t, m)
		out = append(out, m.(*Message))
		data = data[n:]
	}
	assert.Equal(t, in, out)
}

func TestCodecPartialFrame(t *testing.T) {
	data := encodeAll(t, NewEchoRequest(7, []byte("hello")))
	c := Codec{}
	for i := 0; i < len(data); i++ {
		m, n, err := c.Decode(data[:i])
		require.NoError(t, err)
		assert.Nil(t, m, "prefix of %d bytes", i)
		assert.Zero(t, n)
	}
	m, n, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, uint32(7), m.(api.Transactional).XID())
}

func TestCodecRejectsBadLength(t *testing.T) {
	data := encodeAll(t, New(TypeHello, 1, nil))
	data[3] = 4
	_, _, err := Codec{}.Decode(data)
	assert.ErrorIs(t, err, ErrLengthTooSmall)

	big := encodeAll(t, NewEchoRequest(1, make([]byte, 64)))
	_, _, err = Codec{MaxBody: 16}.Decode(big)
	assert.Error(t, err)
}

func TestCodecEncodeErrors(t *testing.T) {
	c := Codec{}
	m := NewEchoRequest(1, []byte("x"))
	assert.ErrorIs(t, c.Encode(m, make([]byte, 3)), api.ErrIncompleteEncoding)

	huge := New(TypeEchoRequest, 1, make([]byte, MaxLength))
	assert.ErrorIs(t, c.Encode(huge, make([]byte, huge.Length())), api.ErrMessageTooLarge)
}

func TestMoreFollows(t *testing.T) {
	assert.True(t, NewMultipart(TypeMultipartReply, 1, 0, true, nil).MoreFollows())
	assert.False(t, NewMultipart(TypeMultipartReply, 1, 0, false, nil).MoreFollows())
	assert.False(t, NewMultipart(TypeMultipartRequest, 1, 0, true, nil).MoreFollows())
	assert.False(t, NewBarrier(1).MoreFollows())

	kind, ok := NewMultipart(TypeMultipartReply, 1, 13, false, nil).MultipartKind()
	require.True(t, ok)
	assert.Equal(t, uint16(13), kind)
}

func TestProtocolClassification(t *testing.T) {
	p := Protocol{}
	assert.True(t, p.IsBarrierReply(New(TypeBarrierReply, 1, nil)))
	assert.True(t, p.IsErrorReply(New(TypeError, 1, nil)))
	assert.True(t, p.IsEvent(New(TypePacketIn, 0, nil)))
	assert.False(t, p.IsEvent(New(TypeEchoReply, 0, nil)))
	assert.True(t, p.IsMultipartReply(New(TypeMultipartReply, 1, nil)))

	reply, ok := p.NeedsReply(NewEchoRequest(9, []byte("a")))
	require.True(t, ok)
	assert.Equal(t, TypeEchoReply, reply.(*Message).Type)
	assert.Equal(t, uint32(9), reply.(*Message).Xid)

	_, ok = p.NeedsReply(New(TypeHello, 1, nil))
	assert.False(t, ok)
	assert.Equal(t, "BARRIER_REQUEST", TypeBarrierRequest.String())
	assert.Equal(t, "TYPE_99", Type(99).String())
}
