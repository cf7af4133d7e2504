// File: controller/sweep.go
// Author: momentics <momentics@gmail.com>

package controller

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (c *Controller) runSweeper(ctx context.Context, name string, every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	c.sweep.Add(1)
	go func() {
		defer c.sweep.Done()
		t := c.clk.Ticker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
	c.log.Debug("sweeper started", zap.String("sweeper", name), zap.Duration("every", every))
}

// pruneIdle discards connections without activity for the buffer max age.
func (c *Controller) pruneIdle() {
	n := 0
	for _, e := range c.engines {
		n += e.PruneStale()
	}
	if n > 0 {
		c.log.Info("idle connections pruned", zap.Int("count", n))
	}
}

// expireRequests fails requests pending longer than the request max age.
func (c *Controller) expireRequests() {
	maxAge := c.store.Get().RequestMaxAge
	expired, pending := 0, 0
	for _, conn := range c.Conns() {
		if q := conn.queue.Load(); q != nil && maxAge > 0 {
			expired += q.ExpireOlderThan(maxAge)
		}
		pending += conn.Pending()
	}
	c.metrics.SetPending(pending)
	if expired > 0 {
		c.log.Info("pending requests expired", zap.Int("count", expired))
	}
}
