// File: engine/buffer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// ConnectionBuffer frames messages on one channel: growable inbound and
// outbound buffers, opportunistic flushing with write-pending bookkeeping,
// optional TLS record processing and single-shot discard.

package engine

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/reactor"
	"github.com/momentics/hioload-ofc/secure"
	"github.com/momentics/hioload-ofc/transport"
)

var bufferIDs atomic.Uint64

// ConnectionBuffer is the per-connection state driven by an IOEngine.
// Queue, Flush and Discard may be called from any goroutine.
type ConnectionBuffer struct {
	id       uint64
	ch       api.Channel
	codec    api.Codec
	owner    *IOEngine
	outbound bool
	tls      secure.RecordEngine
	log      *zap.Logger
	clk      clock.Clock
	growth   float64
	maxAge   time.Duration

	// guarded by mu
	mu            sync.Mutex
	in            []byte
	out           []byte
	appIn         []byte
	appOut        []byte
	writeOccurred bool
	writePending  bool
	flushErr      error
	handshakeDone bool
	cause         error

	discarded    atomic.Bool
	lastActivity atomic.Int64
	filtering    atomic.Bool
	attachment   atomic.Value

	// loop thread only
	interest reactor.Interest

	inMsgs   *Tracker
	inBytes  *Tracker
	outMsgs  *Tracker
	outBytes *Tracker
}

type attached struct{ v any }

func newBuffer(owner *IOEngine, ch api.Channel, codec api.Codec, outbound bool, tls secure.RecordEngine, cfg *Config) *ConnectionBuffer {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	b := &ConnectionBuffer{
		id:       bufferIDs.Add(1),
		ch:       ch,
		codec:    codec,
		owner:    owner,
		outbound: outbound,
		tls:      tls,
		clk:      cfg.Clock,
		growth:   cfg.GrowthFactor,
		maxAge:   cfg.MaxAge,
		in:       make([]byte, 0, size),
		out:      make([]byte, 0, size),
		inMsgs:   NewTracker(cfg.Clock),
		inBytes:  NewTracker(cfg.Clock),
		outMsgs:  NewTracker(cfg.Clock),
		outBytes: NewTracker(cfg.Clock),
	}
	if tls != nil {
		b.appIn = make([]byte, 0, size)
		b.appOut = make([]byte, 0, size)
	}
	b.log = cfg.Logger.With(zap.Uint64("conn", b.id), zap.String("remote", addrString(ch)))
	b.touch()
	return b
}

func addrString(ch api.Channel) string {
	if a := ch.RemoteAddr(); a != nil {
		return a.String()
	}
	return "unknown"
}

// grow returns b with room for need more bytes. Capacity is multiplied by
// factor, rounding up, until the bytes fit; buffered bytes are preserved.
func grow(b []byte, need int, factor float64) []byte {
	if cap(b)-len(b) >= need {
		return b
	}
	if factor <= 1 {
		factor = DefaultGrowthFactor
	}
	c := cap(b)
	if c == 0 {
		c = 1
	}
	for c-len(b) < need {
		c = int(math.Ceil(float64(c) * factor))
	}
	nb := make([]byte, len(b), c)
	copy(nb, b)
	return nb
}

// compact drops the first n bytes of b in place.
func compact(b []byte, n int) []byte {
	if n <= 0 {
		return b
	}
	m := copy(b, b[n:])
	return b[:m]
}

func (b *ConnectionBuffer) ID() uint64 { return b.id }
func (b *ConnectionBuffer) Channel() api.Channel { return b.ch }
func (b *ConnectionBuffer) Outbound() bool { return b.outbound }
func (b *ConnectionBuffer) Secure() bool { return b.tls != nil }
func (b *ConnectionBuffer) Engine() *IOEngine { return b.owner }
func (b *ConnectionBuffer) String() string { return addrString(b.ch) }
func (b *ConnectionBuffer) InMessages() *Tracker { return b.inMsgs }
func (b *ConnectionBuffer) InBytes() *Tracker { return b.inBytes }
func (b *ConnectionBuffer) OutMessages() *Tracker { return b.outMsgs }
func (b *ConnectionBuffer) OutBytes() *Tracker { return b.outBytes }
func (b *ConnectionBuffer) Discarded() bool { return b.discarded.Load() }
func (b *ConnectionBuffer) Filtering() bool { return b.filtering.Load() }
func (b *ConnectionBuffer) LastActivity() time.Time { return time.Unix(0, b.lastActivity.Load()) }

// SetFiltering records the flow-control state; it implements api.FlowControl.
func (b *ConnectionBuffer) SetFiltering(enabled bool) {
	if b.filtering.Swap(enabled) != enabled {
		b.log.Debug("event filtering changed", zap.Bool("filtering", enabled))
	}
}

// SetAttachment hangs caller state on the buffer.
func (b *ConnectionBuffer) SetAttachment(v any) { b.attachment.Store(attached{v}) }

// Attachment returns the value set by SetAttachment.
func (b *ConnectionBuffer) Attachment() any {
	if a, ok := b.attachment.Load().(attached); ok {
		return a.v
	}
	return nil
}

func (b *ConnectionBuffer) touch() {
	b.lastActivity.Store(b.clk.Now().UnixNano())
}

// Stale reports whether no read or write happened within the maximum age.
func (b *ConnectionBuffer) Stale() bool {
	return b.clk.Now().Sub(b.LastActivity()) > b.maxAge
}

// Queue encodes messages into the outbound buffer and flushes when no
// write is in flight for this pass. Acceptance is all or nothing: when any
// message fails to encode, none of msgs is sent.
func (b *ConnectionBuffer) Queue(msgs ...api.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded.Load() {
		return api.ErrBufferDiscarded
	}
	if b.flushErr != nil {
		return b.flushErr
	}
	dst := &b.out
	if b.tls != nil {
		dst = &b.appOut
	}
	mark := len(*dst)
	var err error
	for _, m := range msgs {
		if *dst, err = b.appendLocked(*dst, m); err != nil {
			*dst = (*dst)[:mark]
			return err
		}
	}
	b.outMsgs.Add(int64(len(msgs)))
	b.outBytes.Add(int64(len(*dst) - mark))
	if b.tls != nil {
		if err := b.wrapLocked(); err != nil {
			b.failLocked(err)
			return b.flushErr
		}
	}
	if !b.writeOccurred && !b.writePending {
		b.flushLocked()
	} else if !b.writePending && len(b.out) > 0 && b.owner != nil {
		// a write already happened this pass; let the loop pick it up
		b.owner.wakeup()
	}
	return b.flushErr
}

func (b *ConnectionBuffer) appendLocked(dst []byte, m api.Message) ([]byte, error) {
	n := m.Length()
	if n <= 0 {
		return dst, api.ErrIncompleteEncoding.WithContext("length", n)
	}
	dst = grow(dst, n, b.growth)
	l := len(dst)
	if err := b.codec.Encode(m, dst[l:l+n]); err != nil {
		return dst, api.NewError(api.KindProtocol, "encode", err)
	}
	return dst[:l+n], nil
}

// Flush writes buffered bytes unless a write already occurred or is pending.
func (b *ConnectionBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tls != nil && b.flushErr == nil && !b.discarded.Load() {
		if err := b.wrapLocked(); err != nil {
			b.failLocked(err)
		}
	}
	b.flushLocked()
	return b.flushErr
}

func (b *ConnectionBuffer) flushLocked() {
	if b.writeOccurred || b.writePending || b.discarded.Load() || b.flushErr != nil {
		return
	}
	if len(b.out) > 0 {
		n, err := b.ch.Write(b.out)
		if err != nil {
			b.failLocked(err)
		}
		if n > 0 {
			b.out = compact(b.out, n)
			b.touch()
		}
	}
	b.writeOccurred = true
	b.writePending = len(b.out) > 0 && b.flushErr == nil
}

// failLocked retains the first flush error.
func (b *ConnectionBuffer) failLocked(err error) {
	if b.flushErr != nil {
		return
	}
	b.flushErr = transport.Classify("flush", err)
	if b.discarded.Load() {
		return
	}
	if transport.IsTransient(err) {
		b.log.Debug("flush failed", zap.Error(err))
	} else {
		b.log.Warn("flush failed", zap.Error(err))
	}
}

// FlushError returns the retained flush error, if any.
func (b *ConnectionBuffer) FlushError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushErr
}

// FlushFailed reports whether a prior flush failed.
func (b *ConnectionBuffer) FlushFailed() bool { return b.FlushError() != nil }

// RequiresFlush reports whether bytes are buffered but not yet written.
func (b *ConnectionBuffer) RequiresFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.out) > 0 || len(b.appOut) > 0
}

// WritePending reports whether the channel refused part of the last flush.
func (b *ConnectionBuffer) WritePending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writePending
}

// flushIfPossible runs on write readiness and resets both flags.
func (b *ConnectionBuffer) flushIfPossible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writePending = false
	b.writeOccurred = false
	if b.tls != nil && b.flushErr == nil {
		if err := b.wrapLocked(); err != nil {
			b.failLocked(err)
		}
	}
	if len(b.out) > 0 {
		b.flushLocked()
	}
	return b.writePending
}

// flushIfWriteNotPending runs before each poll and resets writeOccurred.
func (b *ConnectionBuffer) flushIfWriteNotPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeOccurred = false
	if !b.writePending && len(b.out) > 0 {
		b.flushLocked()
	}
	return b.writePending
}

// dequeue reads once from the channel and returns every complete message.
// io.EOF reports an orderly close after the returned messages.
func (b *ConnectionBuffer) dequeue() ([]api.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded.Load() {
		return nil, api.ErrBufferDiscarded
	}
	if len(b.in) == cap(b.in) {
		b.in = grow(b.in, 1, b.growth)
	}
	n, rerr := b.ch.Read(b.in[len(b.in):cap(b.in)])
	if n > 0 {
		b.in = b.in[:len(b.in)+n]
		b.touch()
	}

	var (
		msgs []api.Message
		err  error
	)
	if b.tls != nil {
		msgs, err = b.unwrapLocked()
	} else {
		b.in, msgs, err = b.frame(b.in, nil)
	}
	if err != nil {
		return msgs, err
	}
	return msgs, rerr
}

// frame extracts complete messages from data and compacts it.
func (b *ConnectionBuffer) frame(data []byte, msgs []api.Message) ([]byte, []api.Message, error) {
	off := 0
	for off < len(data) {
		m, n, err := b.codec.Decode(data[off:])
		if err != nil {
			return compact(data, off), msgs, api.NewError(api.KindProtocol, "decode", err)
		}
		if m == nil {
			break
		}
		if n <= 0 || n > len(data)-off {
			return compact(data, off), msgs, api.NewError(api.KindProtocol, "decode", api.ErrIncompleteEncoding).
				WithContext("consumed", n)
		}
		off += n
		msgs = append(msgs, m)
		b.inMsgs.Add(1)
		b.inBytes.Add(int64(n))
	}
	return compact(data, off), msgs, nil
}

// Discard closes the connection once; later calls have no effect.
func (b *ConnectionBuffer) Discard(cause error) {
	if !b.discarded.CompareAndSwap(false, true) {
		return
	}
	b.inMsgs.Freeze()
	b.inBytes.Freeze()
	b.outMsgs.Freeze()
	b.outBytes.Freeze()

	if b.owner != nil {
		b.owner.unregister(b)
	}

	b.mu.Lock()
	b.cause = cause
	if b.tls != nil {
		_ = b.tls.Close()
	}
	err := b.ch.Close()
	b.mu.Unlock()
	if err != nil {
		b.log.Warn("channel close failed", zap.Error(err))
	}
	if b.owner != nil {
		b.owner.discarded(b, cause)
	}
}

// DiscardCause returns the reason passed to Discard.
func (b *ConnectionBuffer) DiscardCause() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cause
}
