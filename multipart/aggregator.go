// File: multipart/aggregator.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Reassembly of multipart replies keyed by XID.

package multipart

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
)

// DefaultTimeout bounds how long a collection waits for its last fragment.
const DefaultTimeout = 30 * time.Second

// ErrExpired resolves a registration whose last fragment never arrived.
var ErrExpired = api.NewError(api.KindTimeout, "multipart", errors.New("reply collection expired"))

type collection struct {
	xid       uint32
	fragments []api.Message
	more      bool
	created   time.Time
	timer     *clock.Timer
	pending   *Pending
}

type resolution struct {
	p         *Pending
	fragments []api.Message
	err       error
}

func (r resolution) apply() {
	if r.p != nil {
		r.p.resolve(r.fragments, r.err)
	}
}

// Aggregator groups reply fragments sharing an XID into one collection.
// It is safe for concurrent use.
type Aggregator struct {
	timeout time.Duration
	clk     clock.Clock
	log     *zap.Logger
	colls   *xsync.MapOf[uint32, *collection]
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithTimeout sets the expiry of every collection.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock sets the clock driving expiry.
func WithClock(clk clock.Clock) Option {
	return func(a *Aggregator) {
		if clk != nil {
			a.clk = clk
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Aggregator) {
		if log != nil {
			a.log = log
		}
	}
}

// New returns an empty aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{
		timeout: DefaultTimeout,
		clk:     clock.New(),
		log:     zap.NewNop(),
		colls:   xsync.NewMapOf[uint32, *collection](),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.Named("multipart")
	return a
}

func (a *Aggregator) newCollection(xid uint32) *collection {
	c := &collection{xid: xid, created: a.clk.Now()}
	c.timer = a.clk.AfterFunc(a.timeout, func() { a.expire(c) })
	return c
}

// Register expects a multipart reply for xid. Fragments that arrived before
// the registration are adopted. A live registration for the same xid yields
// ErrAlreadyRegistered.
func (a *Aggregator) Register(xid uint32) (*Pending, error) {
	p := newPending(xid)
	var (
		dup  bool
		done resolution
	)
	a.colls.Compute(xid, func(c *collection, loaded bool) (*collection, bool) {
		if !loaded {
			c = a.newCollection(xid)
			c.pending = p
			return c, false
		}
		if c.pending != nil {
			dup = true
			return c, false
		}
		c.pending = p
		if len(c.fragments) > 0 && !c.more {
			c.timer.Stop()
			done = resolution{p: p, fragments: c.fragments}
			return nil, true
		}
		return c, false
	})
	if dup {
		return nil, api.NewError(api.KindLocal, "register", api.ErrAlreadyRegistered).WithContext("xid", xid)
	}
	done.apply()
	return p, nil
}

// AddFragment appends a reply fragment. It reports whether the fragment
// belonged to a registered collection. Unregistered fragments start a
// best-effort collection that only a later Register can resolve.
func (a *Aggregator) AddFragment(frag api.Fragment) bool {
	xid := frag.XID()
	var (
		registered bool
		done       resolution
	)
	a.colls.Compute(xid, func(c *collection, loaded bool) (*collection, bool) {
		if !loaded {
			c = a.newCollection(xid)
		}
		c.fragments = append(c.fragments, frag)
		c.more = frag.MoreFollows()
		if c.pending == nil {
			return c, false
		}
		registered = true
		if c.more {
			return c, false
		}
		c.timer.Stop()
		done = resolution{p: c.pending, fragments: c.fragments}
		return nil, true
	})
	if !registered {
		a.log.Debug("fragment without registration", zap.Uint32("xid", xid), zap.Bool("more", frag.MoreFollows()))
	}
	done.apply()
	return registered
}

// Finish resolves a registered collection with the fragments received so
// far, for instance when a barrier proved the request complete.
func (a *Aggregator) Finish(xid uint32) bool {
	var done resolution
	a.colls.Compute(xid, func(c *collection, loaded bool) (*collection, bool) {
		if !loaded {
			return nil, true
		}
		if c.pending == nil {
			return c, false
		}
		c.timer.Stop()
		done = resolution{p: c.pending, fragments: c.fragments}
		return nil, true
	})
	done.apply()
	return done.p != nil
}

// Fail resolves a registered collection with err.
func (a *Aggregator) Fail(xid uint32, err error) bool {
	var done resolution
	a.colls.Compute(xid, func(c *collection, loaded bool) (*collection, bool) {
		if !loaded {
			return nil, true
		}
		if c.pending == nil {
			return c, false
		}
		c.timer.Stop()
		done = resolution{p: c.pending, err: err}
		return nil, true
	})
	done.apply()
	return done.p != nil
}

func (a *Aggregator) expire(c *collection) {
	var done resolution
	removed := false
	a.colls.Compute(c.xid, func(cur *collection, loaded bool) (*collection, bool) {
		if !loaded {
			return nil, true
		}
		if cur != c {
			return cur, false
		}
		removed = true
		if c.pending != nil {
			done = resolution{p: c.pending, err: ErrExpired.WithContext("xid", c.xid)}
		}
		return nil, true
	})
	if removed {
		a.log.Debug("collection expired",
			zap.Uint32("xid", c.xid),
			zap.Bool("registered", done.p != nil),
			zap.Duration("age", a.clk.Since(c.created)))
	}
	done.apply()
}

// Len returns the number of live collections, registered or not.
func (a *Aggregator) Len() int { return a.colls.Size() }

// Close fails every registered collection with ErrDisconnected and drops
// the best-effort ones.
func (a *Aggregator) Close() int {
	var pending []resolution
	a.colls.Range(func(xid uint32, _ *collection) bool {
		if c, ok := a.colls.LoadAndDelete(xid); ok {
			c.timer.Stop()
			if c.pending != nil {
				pending = append(pending, resolution{p: c.pending, err: api.ErrDisconnected})
			}
		}
		return true
	})
	for _, r := range pending {
		r.apply()
	}
	return len(pending)
}
