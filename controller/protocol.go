// File: controller/protocol.go
// Author: momentics <momentics@gmail.com>
//
// Hooks supplied by the protocol layer and the application.

package controller

import "github.com/momentics/hioload-ofc/api"

// Protocol classifies decoded messages for the dispatcher. wire.Protocol
// implements it.
type Protocol interface {
	// IsErrorReply reports a device error answering a request.
	IsErrorReply(msg api.Message) bool
	// IsEvent reports an unsolicited message subject to rate limiting.
	IsEvent(msg api.Message) bool
	// IsMultipartReply reports one fragment of a multipart reply.
	IsMultipartReply(msg api.Message) bool
	// NeedsReply returns the automatic answer to msg, if any.
	NeedsReply(msg api.Message) (api.Message, bool)
}

// Barrierer is implemented by protocols with a barrier request. Without it
// requests complete only by explicit replies.
type Barrierer interface {
	NewBarrier(xid uint32) api.Transactional
}

// opaque treats every message as plain traffic.
type opaque struct{}

func (opaque) IsErrorReply(api.Message) bool { return false }
func (opaque) IsEvent(api.Message) bool { return false }
func (opaque) IsMultipartReply(api.Message) bool { return false }
func (opaque) NeedsReply(api.Message) (api.Message, bool) { return nil, false }

// Consumer receives device traffic the request pipeline did not claim.
// Methods run on the connection's I/O loop thread and must not block.
type Consumer interface {
	OnConnect(c *Conn)
	// OnEvent takes an unsolicited event. Returning true keeps the event
	// permit until c.ReleaseEvent is called; false hands it back at once
	// and tightens the recovery threshold of the limiter.
	OnEvent(c *Conn, msg api.Message) bool
	OnMessage(c *Conn, msg api.Message)
	OnDisconnect(c *Conn, cause error)
}
