// File: fake/codec.go
// Author: momentics <momentics@gmail.com>

package fake

import (
	"encoding/binary"
	"errors"

	"github.com/momentics/hioload-ofc/api"
)

// MsgHeader is the encoded size of a Msg without payload:
// length(4) | id(4) | flags(1).
const MsgHeader = 9

const (
	flagMore   = 0x01
	flagPoison = 0x80
)

// ErrPoison is returned when decoding a message built with Poison.
var ErrPoison = errors.New("fake: poisoned frame")

// Msg is a test message. It implements api.Fragment.
type Msg struct {
	ID      uint32
	Payload []byte
	More    bool
	poison  bool
}

// NewMsg builds a message with a string payload.
func NewMsg(id uint32, payload string) *Msg { return &Msg{ID: id, Payload: []byte(payload)} }

// Poison builds a message that encodes fine but fails to decode.
func Poison(id uint32) *Msg { return &Msg{ID: id, poison: true} }

func (m *Msg) Length() int { return MsgHeader + len(m.Payload) }
func (m *Msg) XID() uint32 { return m.ID }
func (m *Msg) MoreFollows() bool { return m.More }

// Codec implements api.Codec for Msg.
type Codec struct{}

var _ api.Codec = Codec{}

func (Codec) Decode(b []byte) (api.Message, int, error) {
	if len(b) < MsgHeader {
		return nil, 0, nil
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if n < MsgHeader {
		return nil, 0, errors.New("fake: bad length")
	}
	if len(b) < n {
		return nil, 0, nil
	}
	flags := b[8]
	if flags&flagPoison != 0 {
		return nil, 0, ErrPoison
	}
	m := &Msg{ID: binary.BigEndian.Uint32(b[4:8]), More: flags&flagMore != 0}
	if n > MsgHeader {
		m.Payload = append([]byte(nil), b[MsgHeader:n]...)
	}
	return m, n, nil
}

func (Codec) Encode(msg api.Message, dst []byte) error {
	m, ok := msg.(*Msg)
	if !ok {
		return errors.New("fake: unexpected message type")
	}
	binary.BigEndian.PutUint32(dst[0:4], uint32(m.Length()))
	binary.BigEndian.PutUint32(dst[4:8], m.ID)
	var flags byte
	if m.More {
		flags |= flagMore
	}
	if m.poison {
		flags |= flagPoison
	}
	dst[8] = flags
	copy(dst[MsgHeader:], m.Payload)
	return nil
}

// Encode returns the wire bytes of msgs back to back.
func Encode(msgs ...*Msg) []byte {
	var out []byte
	for _, m := range msgs {
		b := make([]byte, m.Length())
		_ = Codec{}.Encode(m, b)
		out = append(out, b...)
	}
	return out
}
