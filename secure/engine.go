// File: secure/engine.go
// Author: momentics <momentics@gmail.com>
//
// Record-layer engine contract driven by the connection buffer.

package secure

// Status is the outcome of one Wrap or Unwrap call.
type Status int

const (
	StatusOK Status = iota
	// StatusBufferUnderflow: more network bytes are needed.
	StatusBufferUnderflow
	// StatusBufferOverflow: the destination is full; drain it and retry.
	StatusBufferOverflow
	// StatusClosed: the engine is closed in this direction.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusBufferUnderflow:
		return "BUFFER_UNDERFLOW"
	case StatusBufferOverflow:
		return "BUFFER_OVERFLOW"
	default:
		return "CLOSED"
	}
}

// HandshakeStatus tells the caller what the handshake needs next.
type HandshakeStatus int

const (
	NotHandshaking HandshakeStatus = iota
	// Finished is reported exactly once, by the call that completed the handshake.
	Finished
	NeedTask
	NeedWrap
	NeedUnwrap
)

func (h HandshakeStatus) String() string {
	switch h {
	case NotHandshaking:
		return "NOT_HANDSHAKING"
	case Finished:
		return "FINISHED"
	case NeedTask:
		return "NEED_TASK"
	case NeedWrap:
		return "NEED_WRAP"
	default:
		return "NEED_UNWRAP"
	}
}

// Result describes one Wrap or Unwrap step.
type Result struct {
	Status    Status
	Handshake HandshakeStatus
	// Consumed bytes of src and Produced bytes written into dst.
	Consumed int
	Produced int
}

// RecordEngine converts between application bytes and TLS records without
// touching the network. It is driven by a single goroutine at a time.
type RecordEngine interface {
	// Wrap encrypts application bytes from src into network bytes in dst.
	// Handshake records are produced even when src is empty.
	Wrap(src, dst []byte) (Result, error)
	// Unwrap decrypts network bytes from src into application bytes in dst.
	Unwrap(src, dst []byte) (Result, error)
	// DelegatedTask returns pending work that must run to completion before
	// the next Wrap or Unwrap, or nil when there is none.
	DelegatedTask() func()
	// HandshakeStatus reports the current status without consuming Finished.
	HandshakeStatus() HandshakeStatus
	// CloseOutbound queues a close_notify for the peer.
	CloseOutbound()
	// Close releases the engine. It is idempotent.
	Close() error
}

// RunTasks drains delegated tasks synchronously.
func RunTasks(e RecordEngine) {
	for task := e.DelegatedTask(); task != nil; task = e.DelegatedTask() {
		task()
	}
}
