// File: wire/message.go
// Author: momentics <momentics@gmail.com>
//
// Reference switch protocol framing: an 8-byte header (version, type,
// length, xid) followed by an opaque body.

package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed header size.
const HeaderLen = 8

// Version is the protocol version written by the constructors.
const Version uint8 = 0x04

// Type identifies a message kind.
type Type uint8

const (
	TypeHello            Type = 0
	TypeError            Type = 1
	TypeEchoRequest      Type = 2
	TypeEchoReply        Type = 3
	TypeFeaturesRequest  Type = 5
	TypeFeaturesReply    Type = 6
	TypePacketIn         Type = 10
	TypeFlowRemoved      Type = 11
	TypePortStatus       Type = 12
	TypeFlowMod          Type = 14
	TypeMultipartRequest Type = 18
	TypeMultipartReply   Type = 19
	TypeBarrierRequest   Type = 20
	TypeBarrierReply     Type = 21
)

var typeNames = map[Type]string{
	TypeHello:            "HELLO",
	TypeError:            "ERROR",
	TypeEchoRequest:      "ECHO_REQUEST",
	TypeEchoReply:        "ECHO_REPLY",
	TypeFeaturesRequest:  "FEATURES_REQUEST",
	TypeFeaturesReply:    "FEATURES_REPLY",
	TypePacketIn:         "PACKET_IN",
	TypeFlowRemoved:      "FLOW_REMOVED",
	TypePortStatus:       "PORT_STATUS",
	TypeFlowMod:          "FLOW_MOD",
	TypeMultipartRequest: "MULTIPART_REQUEST",
	TypeMultipartReply:   "MULTIPART_REPLY",
	TypeBarrierRequest:   "BARRIER_REQUEST",
	TypeBarrierReply:     "BARRIER_REPLY",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE_%d", uint8(t))
}

// FlagMore is set in a multipart reply's flags when further fragments follow.
const FlagMore uint16 = 0x0001

// multipartPrefix is the multipart type and flags heading every multipart body.
const multipartPrefix = 4

// Message is one framed protocol message. It implements api.Fragment.
type Message struct {
	Version uint8
	Type    Type
	Xid     uint32
	Body    []byte
}

// New builds a message with the current protocol version.
func New(t Type, xid uint32, body []byte) *Message {
	return &Message{Version: Version, Type: t, Xid: xid, Body: body}
}

// NewBarrier builds a barrier request.
func NewBarrier(xid uint32) *Message { return New(TypeBarrierRequest, xid, nil) }

// NewEchoRequest builds an echo request carrying payload.
func NewEchoRequest(xid uint32, payload []byte) *Message { return New(TypeEchoRequest, xid, payload) }

// NewMultipart builds a multipart request or reply of the given
// multipart kind. more is only meaningful on replies.
func NewMultipart(t Type, xid uint32, kind uint16, more bool, payload []byte) *Message {
	body := make([]byte, multipartPrefix+len(payload))
	binary.BigEndian.PutUint16(body[0:2], kind)
	if more {
		binary.BigEndian.PutUint16(body[2:4], FlagMore)
	}
	copy(body[multipartPrefix:], payload)
	return New(t, xid, body)
}

// Length implements api.Message.
func (m *Message) Length() int { return HeaderLen + len(m.Body) }

// XID implements api.Transactional.
func (m *Message) XID() uint32 { return m.Xid }

// MoreFollows implements api.Fragment. Only multipart replies continue.
func (m *Message) MoreFollows() bool {
	if m.Type != TypeMultipartReply || len(m.Body) < multipartPrefix {
		return false
	}
	return binary.BigEndian.Uint16(m.Body[2:4])&FlagMore != 0
}

// MultipartKind returns the multipart kind of a multipart message.
func (m *Message) MultipartKind() (uint16, bool) {
	if (m.Type != TypeMultipartReply && m.Type != TypeMultipartRequest) || len(m.Body) < multipartPrefix {
		return 0, false
	}
	return binary.BigEndian.Uint16(m.Body[0:2]), true
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(xid=%d, len=%d)", m.Type, m.Xid, m.Length())
}
