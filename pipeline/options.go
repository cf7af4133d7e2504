// File: pipeline/options.go
// Author: momentics <momentics@gmail.com>

package pipeline

import (
	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// DefaultDepth is the queue depth used when none is given.
const DefaultDepth = 1024

type config struct {
	log      *zap.Logger
	clk      clock.Clock
	firstXID uint32
}

// Option customizes queues created by Register.
type Option func(*config)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock sets the clock used for request ages and the barrier timer.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clk = clk
		}
	}
}

// WithFirstXID sets the first XID handed out by Reserve.
func WithFirstXID(xid uint32) Option {
	return func(c *config) { c.firstXID = xid }
}

func buildConfig(opts []Option) *config {
	c := &config{log: zap.NewNop(), clk: clock.New(), firstXID: 1}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("pipeline")
	return c
}
