// File: multipart/pending.go
// Author: momentics <momentics@gmail.com>

package multipart

import (
	"context"
	"sync"

	"github.com/momentics/hioload-ofc/api"
)

// Pending is the eventual result of one registered collection.
type Pending struct {
	xid  uint32
	once sync.Once
	done chan struct{}

	fragments []api.Message
	err       error
}

func newPending(xid uint32) *Pending {
	return &Pending{xid: xid, done: make(chan struct{})}
}

func (p *Pending) resolve(fragments []api.Message, err error) {
	p.once.Do(func() {
		p.fragments = fragments
		p.err = err
		close(p.done)
	})
}

// XID returns the transaction the collection belongs to.
func (p *Pending) XID() uint32 { return p.xid }

// Done is closed once the collection resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the ordered fragments or the failure. It must only be
// called after Done is closed.
func (p *Pending) Result() ([]api.Message, error) {
	<-p.done
	return p.fragments, p.err
}

// Wait blocks until the collection resolves or ctx ends.
func (p *Pending) Wait(ctx context.Context) ([]api.Message, error) {
	select {
	case <-p.done:
		return p.fragments, p.err
	case <-ctx.Done():
		return nil, api.NewError(api.KindTimeout, "wait", ctx.Err()).WithContext("xid", p.xid)
	}
}
