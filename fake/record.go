// File: fake/record.go
// Author: momentics <momentics@gmail.com>

package fake

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/momentics/hioload-ofc/secure"
)

// ErrUnexpectedRecord is returned when application data arrives while the
// handshake script expects a handshake record.
var ErrUnexpectedRecord = errors.New("fake: application record during handshake")

// RecordEngine is an identity secure.RecordEngine. Records are a 2-byte
// length followed by plaintext; a zero-length record is a handshake
// message. The handshake follows the script given to NewRecordEngine.
type RecordEngine struct {
	mu        sync.Mutex
	script    []secure.HandshakeStatus
	finished  bool
	closed    bool
	maxRecord int
	tasks     int
	closes    int
}

var _ secure.RecordEngine = (*RecordEngine)(nil)

// NewRecordEngine returns an engine that walks script before reporting
// Finished. An empty script starts with the handshake already done.
func NewRecordEngine(script ...secure.HandshakeStatus) *RecordEngine {
	return &RecordEngine{script: script, maxRecord: 1 << 14}
}

// SetMaxRecord caps the plaintext carried by one record.
func (e *RecordEngine) SetMaxRecord(n int) {
	e.mu.Lock()
	e.maxRecord = n
	e.mu.Unlock()
}

// Tasks counts delegated tasks that ran.
func (e *RecordEngine) Tasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks
}

// Closes counts calls to Close.
func (e *RecordEngine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *RecordEngine) advanceLocked() {
	if len(e.script) == 0 {
		return
	}
	e.script = e.script[1:]
	if len(e.script) == 0 {
		e.finished = true
	}
}

func (e *RecordEngine) statusLocked(report bool) secure.HandshakeStatus {
	if len(e.script) > 0 {
		return e.script[0]
	}
	if e.finished {
		if report {
			e.finished = false
		}
		return secure.Finished
	}
	return secure.NotHandshaking
}

func (e *RecordEngine) Wrap(src, dst []byte) (secure.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return secure.Result{Status: secure.StatusClosed}, nil
	}
	switch cur := e.statusLocked(false); cur {
	case secure.NeedWrap:
		if len(dst) < 2 {
			return secure.Result{Status: secure.StatusBufferOverflow, Handshake: cur}, nil
		}
		dst[0], dst[1] = 0, 0
		e.advanceLocked()
		return secure.Result{Handshake: e.statusLocked(true), Produced: 2}, nil
	case secure.NeedUnwrap, secure.NeedTask:
		return secure.Result{Handshake: cur}, nil
	}
	n := len(src)
	if n > e.maxRecord {
		n = e.maxRecord
	}
	hs := e.statusLocked(true)
	if n == 0 {
		return secure.Result{Handshake: hs}, nil
	}
	if len(dst) < 2+n {
		return secure.Result{Status: secure.StatusBufferOverflow, Handshake: hs}, nil
	}
	binary.BigEndian.PutUint16(dst[0:2], uint16(n))
	copy(dst[2:], src[:n])
	return secure.Result{Handshake: hs, Consumed: n, Produced: 2 + n}, nil
}

func (e *RecordEngine) Unwrap(src, dst []byte) (secure.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return secure.Result{Status: secure.StatusClosed}, nil
	}
	cur := e.statusLocked(false)
	if cur == secure.NeedWrap || cur == secure.NeedTask {
		return secure.Result{Handshake: cur}, nil
	}
	if len(src) < 2 {
		return secure.Result{Status: secure.StatusBufferUnderflow, Handshake: cur}, nil
	}
	n := int(binary.BigEndian.Uint16(src[0:2]))
	if len(src) < 2+n {
		return secure.Result{Status: secure.StatusBufferUnderflow, Handshake: cur}, nil
	}
	if cur == secure.NeedUnwrap {
		if n != 0 {
			return secure.Result{}, ErrUnexpectedRecord
		}
		e.advanceLocked()
		return secure.Result{Handshake: e.statusLocked(true), Consumed: 2}, nil
	}
	if n > len(dst) {
		return secure.Result{Status: secure.StatusBufferOverflow, Handshake: cur}, nil
	}
	copy(dst, src[2:2+n])
	return secure.Result{Handshake: e.statusLocked(true), Consumed: 2 + n, Produced: n}, nil
}

func (e *RecordEngine) DelegatedTask() func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.statusLocked(false) != secure.NeedTask {
		return nil
	}
	return func() {
		e.mu.Lock()
		e.tasks++
		e.advanceLocked()
		e.mu.Unlock()
	}
}

func (e *RecordEngine) HandshakeStatus() secure.HandshakeStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(false)
}

func (e *RecordEngine) CloseOutbound() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *RecordEngine) Close() error {
	e.mu.Lock()
	e.closes++
	e.closed = true
	e.mu.Unlock()
	return nil
}
