// File: engine/buffer_secure.go
// Author: momentics <momentics@gmail.com>
//
// TLS record-layer state machine of the connection buffer.

package engine

import (
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/secure"
)

// recordSpace is the room kept free in the network output buffer so one
// full TLS record always fits.
const recordSpace = 16<<10 + 512

// maxPasses bounds one wrap or unwrap run.
const maxPasses = 1024

var errNoProgress = errors.New("tls: record engine made no progress")

// unwrapLocked decrypts b.in into b.appIn and frames the plaintext.
func (b *ConnectionBuffer) unwrapLocked() ([]api.Message, error) {
	var msgs []api.Message
	src := b.in
	defer func() { b.in = compact(b.in, len(b.in)-len(src)) }()

	for pass := 0; pass < maxPasses; pass++ {
		if len(b.appIn) == cap(b.appIn) {
			b.appIn = grow(b.appIn, 1, b.growth)
		}
		res, err := b.tls.Unwrap(src, b.appIn[len(b.appIn):cap(b.appIn)])
		if err != nil {
			return msgs, api.NewError(api.KindTLS, "unwrap", err)
		}
		src = src[res.Consumed:]
		b.appIn = b.appIn[:len(b.appIn)+res.Produced]

		switch res.Status {
		case secure.StatusBufferUnderflow:
			return b.deliverAppLocked(msgs)
		case secure.StatusBufferOverflow:
			framed := len(msgs)
			var ferr error
			if b.appIn, msgs, ferr = b.frame(b.appIn, msgs); ferr != nil {
				return msgs, ferr
			}
			if len(msgs) == framed {
				// a single record is larger than the free space
				b.appIn = grow(b.appIn, cap(b.appIn)-len(b.appIn)+1, b.growth)
			}
			continue
		case secure.StatusClosed:
			if werr := b.wrapLocked(); werr == nil {
				b.flushLocked()
			}
			var derr error
			if msgs, derr = b.deliverAppLocked(msgs); derr != nil {
				return msgs, derr
			}
			return msgs, io.EOF
		}

		switch res.Handshake {
		case secure.NeedTask:
			secure.RunTasks(b.tls)
		case secure.NeedWrap:
			if err := b.wrapLocked(); err != nil {
				return msgs, err
			}
			b.flushLocked()
		case secure.Finished:
			if err := b.finishHandshakeLocked(); err != nil {
				return msgs, err
			}
		default:
			if len(src) == 0 || (res.Consumed == 0 && res.Produced == 0) {
				return b.deliverAppLocked(msgs)
			}
		}
	}
	return msgs, api.NewError(api.KindTLS, "unwrap", errNoProgress)
}

func (b *ConnectionBuffer) deliverAppLocked(msgs []api.Message) ([]api.Message, error) {
	var err error
	b.appIn, msgs, err = b.frame(b.appIn, msgs)
	return msgs, err
}

func (b *ConnectionBuffer) finishHandshakeLocked() error {
	if !b.handshakeDone {
		b.handshakeDone = true
		b.log.Debug("tls handshake finished", zap.Bool("outbound", b.outbound))
	}
	if len(b.appOut) == 0 {
		return nil
	}
	if err := b.wrapLocked(); err != nil {
		return err
	}
	b.flushLocked()
	return nil
}

// wrapLocked encrypts b.appOut into b.out, producing handshake records as
// required.
func (b *ConnectionBuffer) wrapLocked() error {
	for pass := 0; pass < maxPasses; pass++ {
		if cap(b.out)-len(b.out) < recordSpace {
			b.out = grow(b.out, recordSpace, b.growth)
		}
		res, err := b.tls.Wrap(b.appOut, b.out[len(b.out):cap(b.out)])
		if err != nil {
			return api.NewError(api.KindTLS, "wrap", err)
		}
		b.appOut = compact(b.appOut, res.Consumed)
		b.out = b.out[:len(b.out)+res.Produced]

		switch res.Status {
		case secure.StatusBufferOverflow:
			b.out = grow(b.out, cap(b.out)-len(b.out)+1, b.growth)
			continue
		case secure.StatusClosed, secure.StatusBufferUnderflow:
			return nil
		}

		switch res.Handshake {
		case secure.NeedTask:
			secure.RunTasks(b.tls)
		case secure.NeedWrap:
		case secure.Finished:
			if !b.handshakeDone {
				b.handshakeDone = true
				b.log.Debug("tls handshake finished", zap.Bool("outbound", b.outbound))
			}
			if len(b.appOut) == 0 {
				return nil
			}
		case secure.NeedUnwrap:
			return nil
		default:
			if len(b.appOut) == 0 || (res.Consumed == 0 && res.Produced == 0) {
				return nil
			}
		}
	}
	return api.NewError(api.KindTLS, "wrap", errNoProgress)
}

// beginHandshake starts the client side of the handshake on an outbound
// secure connection once it is connected.
func (b *ConnectionBuffer) beginHandshake() error {
	if b.tls == nil || !b.outbound {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.wrapLocked(); err != nil {
		b.failLocked(err)
		return err
	}
	b.flushLocked()
	return b.flushErr
}

// HandshakeDone reports whether the TLS handshake has completed. Plain
// connections report true.
func (b *ConnectionBuffer) HandshakeDone() bool {
	if b.tls == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handshakeDone
}
