// File: engine/options.go
// Package engine defines functional options for the accept and I/O engines.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/secure"
	"github.com/momentics/hioload-ofc/transport"
)

// Defaults for connection buffers and loops.
const (
	DefaultBufferSize    = 64 * 1024
	DefaultGrowthFactor  = 1.618
	DefaultMaxAge        = time.Second
	DefaultSelectTimeout = 50 * time.Millisecond
	DefaultMaxEvents     = 256
)

// Config holds the engine tunables shared by AcceptEngine and IOEngine.
type Config struct {
	Logger        *zap.Logger
	Clock         clock.Clock
	SelectTimeout time.Duration
	MaxEvents     int
	// BufferSize is the initial capacity of every connection buffer.
	BufferSize   int
	GrowthFactor float64
	// MaxAge is the idle period after which PruneStale discards a buffer.
	MaxAge time.Duration
	// CPU pins the loop thread; negative disables pinning.
	CPU    int
	Secure *secure.Context
	Socket transport.Options
	Policy api.AcceptPolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:        zap.NewNop(),
		Clock:         clock.New(),
		SelectTimeout: DefaultSelectTimeout,
		MaxEvents:     DefaultMaxEvents,
		BufferSize:    DefaultBufferSize,
		GrowthFactor:  DefaultGrowthFactor,
		MaxAge:        DefaultMaxAge,
		CPU:           -1,
		Policy:        api.AllowAll,
	}
}

// Option customizes engine initialization.
type Option func(*Config)

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.Logger = log
		}
	}
}

// WithClock replaces the clock used for staleness and throughput.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		if clk != nil {
			c.Clock = clk
		}
	}
}

// WithSelectTimeout bounds one readiness poll.
func WithSelectTimeout(d time.Duration) Option {
	return func(c *Config) { c.SelectTimeout = d }
}

// WithBufferSize sets the initial connection buffer capacity.
func WithBufferSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.BufferSize = n
		}
	}
}

// WithGrowthFactor sets the buffer growth factor; values <= 1 are ignored.
func WithGrowthFactor(f float64) Option {
	return func(c *Config) {
		if f > 1 {
			c.GrowthFactor = f
		}
	}
}

// WithMaxAge sets the idle period used by PruneStale.
func WithMaxAge(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.MaxAge = d
		}
	}
}

// WithCPU pins the loop thread to cpu.
func WithCPU(cpu int) Option {
	return func(c *Config) { c.CPU = cpu }
}

// WithSecure supplies the TLS context used for secure connections.
func WithSecure(ctx *secure.Context) Option {
	return func(c *Config) { c.Secure = ctx }
}

// WithSocketOptions sets options applied to accepted sockets.
func WithSocketOptions(opts transport.Options) Option {
	return func(c *Config) { c.Socket = opts }
}

// WithAcceptPolicy sets the peer-address policy of an AcceptEngine.
func WithAcceptPolicy(p api.AcceptPolicy) Option {
	return func(c *Config) {
		if p != nil {
			c.Policy = p
		}
	}
}

func buildConfig(opts []Option) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = DefaultMaxEvents
	}
	return cfg
}
