// File: wire/codec.go
// Author: momentics <momentics@gmail.com>
//
// Codec frames wire messages for the connection buffer, and Protocol
// classifies them for the controller's dispatch.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/momentics/hioload-ofc/api"
)

// MaxLength is the largest frame the 16-bit length field can describe.
const MaxLength = 0xffff

var (
	ErrLengthTooSmall = errors.New("wire: length field smaller than header")
	ErrUnexpectedType = errors.New("wire: codec only encodes *wire.Message")
)

// Codec implements api.Codec for wire messages.
type Codec struct {
	// MaxBody rejects frames with larger bodies; zero allows the full range.
	MaxBody int
}

var _ api.Codec = Codec{}

// Decode frames the message at the head of b.
func (c Codec) Decode(b []byte) (api.Message, int, error) {
	if len(b) < HeaderLen {
		return nil, 0, nil
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < HeaderLen {
		return nil, 0, fmt.Errorf("%w: %d", ErrLengthTooSmall, length)
	}
	if c.MaxBody > 0 && length-HeaderLen > c.MaxBody {
		return nil, 0, fmt.Errorf("wire: body of %d bytes exceeds limit %d", length-HeaderLen, c.MaxBody)
	}
	if len(b) < length {
		return nil, 0, nil
	}
	m := &Message{
		Version: b[0],
		Type:    Type(b[1]),
		Xid:     binary.BigEndian.Uint32(b[4:8]),
	}
	if length > HeaderLen {
		m.Body = append([]byte(nil), b[HeaderLen:length]...)
	}
	return m, length, nil
}

// Encode writes m into dst.
func (c Codec) Encode(msg api.Message, dst []byte) error {
	m, ok := msg.(*Message)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrUnexpectedType, msg)
	}
	n := m.Length()
	if n > MaxLength {
		return api.ErrMessageTooLarge.WithContext("length", n)
	}
	if len(dst) != n {
		return api.ErrIncompleteEncoding.WithContext("dst", len(dst))
	}
	dst[0] = m.Version
	dst[1] = byte(m.Type)
	binary.BigEndian.PutUint16(dst[2:4], uint16(n))
	binary.BigEndian.PutUint32(dst[4:8], m.Xid)
	copy(dst[HeaderLen:], m.Body)
	return nil
}

// Protocol classifies wire messages.
type Protocol struct{}

func (Protocol) NewBarrier(xid uint32) api.Transactional { return NewBarrier(xid) }

func (Protocol) IsBarrierReply(msg api.Message) bool { return typeOf(msg) == TypeBarrierReply }

func (Protocol) IsErrorReply(msg api.Message) bool { return typeOf(msg) == TypeError }

// IsEvent reports unsolicited asynchronous messages subject to rate limiting.
func (Protocol) IsEvent(msg api.Message) bool {
	switch typeOf(msg) {
	case TypePacketIn, TypeFlowRemoved, TypePortStatus:
		return true
	}
	return false
}

func (Protocol) IsMultipartReply(msg api.Message) bool { return typeOf(msg) == TypeMultipartReply }

// NeedsReply answers echo requests so the device keeps the session alive.
func (Protocol) NeedsReply(msg api.Message) (api.Message, bool) {
	m, ok := msg.(*Message)
	if !ok || m.Type != TypeEchoRequest {
		return nil, false
	}
	return New(TypeEchoReply, m.Xid, m.Body), true
}

func typeOf(msg api.Message) Type {
	if m, ok := msg.(*Message); ok {
		return m.Type
	}
	return 0xff
}
