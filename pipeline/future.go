// File: pipeline/future.go
// Author: momentics <momentics@gmail.com>

package pipeline

import (
	"context"
	"sync"

	"github.com/momentics/hioload-ofc/api"
)

// Future is a Sink that collects replies until the request resolves.
type Future struct {
	once    sync.Once
	done    chan struct{}
	mu      sync.Mutex
	replies []api.Message
	err     error
}

var _ Sink = (*Future)(nil)

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// OnReply implements Sink.
func (f *Future) OnReply(msg api.Message, done bool) {
	f.mu.Lock()
	if msg != nil && !f.resolved() {
		f.replies = append(f.replies, msg)
	}
	f.mu.Unlock()
	if done {
		f.once.Do(func() { close(f.done) })
	}
}

// OnFailure implements Sink.
func (f *Future) OnFailure(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *Future) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Done is closed when the request resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the replies and failure once resolved. An empty reply
// list without error means completion was implied by a barrier.
func (f *Future) Result() ([]api.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.Message(nil), f.replies...), f.err
}

// Wait blocks until the request resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) ([]api.Message, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, api.NewError(api.KindTimeout, "wait", ctx.Err())
	}
}
