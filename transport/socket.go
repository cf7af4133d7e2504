// File: transport/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral socket options and error classification.

package transport

import (
	"errors"
	"io"
	"syscall"

	"github.com/momentics/hioload-ofc/api"
)

// Options tunes sockets created or accepted by this package.
type Options struct {
	// RecvBuffer and SendBuffer set SO_RCVBUF/SO_SNDBUF when positive.
	RecvBuffer int
	SendBuffer int
	NoDelay    bool
}

// DefaultBacklog is the listen backlog used when none is given.
const DefaultBacklog = 1024

// IsTransient reports whether err is an ordinary end-of-connection condition
// (peer reset, broken pipe, EOF) rather than a real failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || api.KindOf(err) == api.KindTransientIO {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EPIPE, syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ESHUTDOWN:
			return true
		}
	}
	return false
}

// Classify wraps err with its api.Kind for logging and propagation.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *api.Error
	if errors.As(err, &e) {
		return err
	}
	if IsTransient(err) {
		return api.NewError(api.KindTransientIO, op, err)
	}
	return api.NewError(api.KindInternal, op, err)
}
