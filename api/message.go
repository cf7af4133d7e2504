// File: api/message.go
// Author: momentics <momentics@gmail.com>
//
// Opaque protocol message contract and the codec hook supplied by the
// protocol layer.

package api

import (
	"io"
	"net"
)

// Message is an opaque protocol unit. The engine only needs its encoded length.
type Message interface {
	Length() int
}

// Transactional is implemented by messages that carry a transaction id (XID).
type Transactional interface {
	Message
	XID() uint32
}

// Fragment is implemented by reply fragments of a multipart sequence.
type Fragment interface {
	Transactional
	// MoreFollows reports whether further fragments with the same XID follow.
	MoreFollows() bool
}

// Codec frames messages on a byte stream.
type Codec interface {
	// Decode frames one message from the head of b. It returns (nil, 0, nil)
	// when b does not yet hold a complete message, and a non-nil error when
	// the bytes violate the protocol. The message must not retain b.
	Decode(b []byte) (msg Message, n int, err error)

	// Encode writes m into dst, which is exactly m.Length() bytes long.
	Encode(m Message, dst []byte) error
}

// Channel is a non-blocking byte stream backed by a pollable descriptor.
// Read returns (0, nil) when no data is available and io.EOF once the peer
// has closed its side. Write may accept fewer bytes than offered.
type Channel interface {
	io.ReadWriteCloser
	Fd() int
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Connector is implemented by channels created with a pending connect.
type Connector interface {
	// FinishConnect reports the outcome of a non-blocking connect once the
	// descriptor signalled connect readiness.
	FinishConnect() error
}
