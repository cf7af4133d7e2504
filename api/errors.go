// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy shared by the connection engine, the request pipeline
// and the multipart aggregator.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrDisconnected       = NewError(KindLocal, "connection", errors.New("device disconnected"))
	ErrQueueFull          = NewError(KindLocal, "reserve", errors.New("outbound queue is full"))
	ErrNotReserved        = NewError(KindLocal, "commit", errors.New("xid was never reserved"))
	ErrAlreadyCommitted   = NewError(KindLocal, "commit", errors.New("xid already committed"))
	ErrTimeout            = NewError(KindTimeout, "wait", errors.New("operation timed out"))
	ErrAlreadyRegistered  = errors.New("xid already registered")
	ErrNoListenAddresses  = errors.New("no listen addresses configured")
	ErrLoopStarted        = errors.New("event loop already started")
	ErrLoopFinished       = errors.New("event loop already finished")
	ErrEngineStopped      = errors.New("io engine is not accepting registrations")
	ErrNotSupported       = errors.New("operation not supported on this platform")
	ErrBufferDiscarded    = NewError(KindLocal, "queue", errors.New("connection buffer discarded"))
	ErrInvalidWatermarks  = errors.New("low watermark must not exceed high watermark")
	ErrMessageTooLarge    = NewError(KindProtocol, "encode", errors.New("message exceeds maximum frame size"))
	ErrIncompleteEncoding = NewError(KindProtocol, "encode", errors.New("codec wrote fewer bytes than message length"))
)

// Kind classifies a failure so callers can tell "the device said no"
// from "we could not ask".
type Kind int

const (
	KindInternal Kind = iota
	KindTransientIO
	KindProtocol
	KindTLS
	KindDevice
	KindLocal
	KindTimeout
)

func (k Kind) String() string {
	switch k {
	case KindTransientIO:
		return "transient-io"
	case KindProtocol:
		return "protocol"
	case KindTLS:
		return "tls"
	case KindDevice:
		return "device"
	case KindLocal:
		return "local"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Error represents a structured error with kind, operation and context.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if len(e.Context) > 0 {
		msg = fmt.Sprintf("%s (context: %+v)", msg, e.Context)
	}
	return msg
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error carrying the same kind and cause, which lets
// errors.Is(err, ErrDisconnected) work through WithContext copies.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Op == t.Op && e.Err == t.Err
}

// NewError creates a new structured error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithContext returns a copy of the error carrying an extra context value.
func (e *Error) WithContext(key string, value any) *Error {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	return &Error{Kind: e.Kind, Op: e.Op, Err: e.Err, Context: ctx}
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsLocal reports whether err is a local failure.
func IsLocal(err error) bool { return err != nil && KindOf(err) == KindLocal }

// IsDevice reports whether err carries a failure reported by the device.
func IsDevice(err error) bool { return err != nil && KindOf(err) == KindDevice }

// DeviceError wraps an error reply sent by the device for one request.
func DeviceError(xid uint32, reply Message) *Error {
	return NewError(KindDevice, "request", fmt.Errorf("device rejected request")).
		WithContext("xid", xid).
		WithContext("reply", reply)
}

type recoverable struct {
	err   error
	index int
}

func (r recoverable) Error() string { return r.err.Error() }
func (r recoverable) Unwrap() error { return r.err }

// Recoverable marks a message processing error as recoverable: the engine
// logs it and keeps the connection open. The whole batch counts as handled.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return recoverable{err: err, index: -1}
}

// RecoverableAt marks err as recoverable and records that processing stopped
// at msgs[index]. The engine delivers the messages after index again.
func RecoverableAt(index int, err error) error {
	if err == nil {
		return nil
	}
	if index < 0 {
		index = 0
	}
	return recoverable{err: err, index: index}
}

// IsRecoverable reports whether err was marked with Recoverable.
func IsRecoverable(err error) bool {
	var r recoverable
	return errors.As(err, &r)
}

// FailedAt returns the index recorded by RecoverableAt.
func FailedAt(err error) (int, bool) {
	var r recoverable
	if !errors.As(err, &r) || r.index < 0 {
		return 0, false
	}
	return r.index, true
}
