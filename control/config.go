// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Controller configuration, its viper binding and a thread-safe store with
// reload listeners.

package control

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/engine"
	"github.com/momentics/hioload-ofc/limiter"
	"github.com/momentics/hioload-ofc/multipart"
	"github.com/momentics/hioload-ofc/pipeline"
	"github.com/momentics/hioload-ofc/secure"
)

// EnvPrefix prefixes environment overrides, e.g. OFCORE_QUEUE_DEPTH.
const EnvPrefix = "ofcore"

// Configuration keys shared by flags, environment and config files.
const (
	KeyListenAddress        = "listen-address"
	KeyPort                 = "port"
	KeyTLSPort              = "tls-port"
	KeyWorkers              = "workers"
	KeySelectTimeout        = "select-timeout"
	KeyRecvBuffer           = "recv-buffer"
	KeySendBuffer           = "send-buffer"
	KeyBufferSize           = "buffer-size"
	KeyGrowthFactor         = "growth-factor"
	KeyBufferMaxAge         = "buffer-max-age"
	KeyIdleCheckInterval    = "idle-check-interval"
	KeyRequestMaxAge        = "request-max-age"
	KeyRequestSweepInterval = "request-sweep-interval"
	KeyQueueDepth           = "queue-depth"
	KeyBarrierInterval      = "barrier-interval"
	KeyLowWatermark         = "low-watermark"
	KeyHighWatermark        = "high-watermark"
	KeyDrainFactor          = "drain-factor"
	KeyMultipartTimeout     = "multipart-timeout"
	KeyTLSCert              = "tls-cert"
	KeyTLSKey               = "tls-key"
	KeyTLSTrust             = "tls-trust"
	KeyTLSCiphers           = "tls-ciphers"
	KeyTLSClientAuth        = "tls-client-auth"
	KeyCPUs                 = "cpus"
	KeyLogLevel             = "log-level"
	KeyMetricsAddress       = "metrics-address"
)

// Config carries every controller tunable.
type Config struct {
	ListenAddress string
	Port          int
	// TLSPort serves TLS connections; 0 disables it.
	TLSPort int
	Workers int

	SelectTimeout time.Duration
	RecvBuffer    int
	SendBuffer    int
	BufferSize    int
	GrowthFactor  float64
	BufferMaxAge  time.Duration

	IdleCheckInterval    time.Duration
	RequestMaxAge        time.Duration
	RequestSweepInterval time.Duration

	QueueDepth      int
	BarrierInterval time.Duration

	LowWatermark  int
	HighWatermark int
	DrainFactor   float64

	MultipartTimeout time.Duration

	TLS secure.Config
	// CPUs lists the CPUs the I/O loops are pinned to, round-robin.
	CPUs []int

	LogLevel       string
	MetricsAddress string
}

// DefaultConfig returns the defaults of a device controller.
func DefaultConfig() Config {
	return Config{
		ListenAddress:        "0.0.0.0",
		Port:                 6653,
		TLSPort:              0,
		Workers:              4,
		SelectTimeout:        engine.DefaultSelectTimeout,
		BufferSize:           engine.DefaultBufferSize,
		GrowthFactor:         engine.DefaultGrowthFactor,
		BufferMaxAge:         engine.DefaultMaxAge,
		IdleCheckInterval:    5 * time.Second,
		RequestMaxAge:        time.Minute,
		RequestSweepInterval: 10 * time.Second,
		QueueDepth:           pipeline.DefaultDepth,
		BarrierInterval:      500 * time.Millisecond,
		LowWatermark:         limiter.DefaultLowWatermark,
		HighWatermark:        limiter.DefaultHighWatermark,
		MultipartTimeout:     multipart.DefaultTimeout,
		LogLevel:             "info",
	}
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("%s %d out of range", KeyPort, c.Port))
	}
	if c.TLSPort < 0 || c.TLSPort > 65535 {
		err = multierr.Append(err, fmt.Errorf("%s %d out of range", KeyTLSPort, c.TLSPort))
	}
	if c.TLSPort != 0 && c.TLSPort == c.Port {
		err = multierr.Append(err, fmt.Errorf("%s must differ from %s", KeyTLSPort, KeyPort))
	}
	if c.Workers <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", KeyWorkers))
	}
	if c.QueueDepth <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s must be positive", KeyQueueDepth))
	}
	if c.LowWatermark < 0 || c.LowWatermark > c.HighWatermark {
		err = multierr.Append(err, api.ErrInvalidWatermarks)
	}
	if c.DrainFactor < 0 || c.DrainFactor >= 1 {
		err = multierr.Append(err, fmt.Errorf("%s must be in [0,1)", KeyDrainFactor))
	}
	if c.GrowthFactor <= 1 {
		err = multierr.Append(err, fmt.Errorf("%s must exceed 1", KeyGrowthFactor))
	}
	return err
}

// Endpoints returns the listen endpoints: the plain port and, when set,
// the TLS port.
func (c Config) Endpoints() []engine.Endpoint {
	eps := []engine.Endpoint{{Address: net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.Port))}}
	if c.TLSPort > 0 {
		eps = append(eps, engine.Endpoint{Address: net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.TLSPort)), Secure: true})
	}
	return eps
}

// SetDefaults registers the defaults with v.
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault(KeyListenAddress, d.ListenAddress)
	v.SetDefault(KeyPort, d.Port)
	v.SetDefault(KeyTLSPort, d.TLSPort)
	v.SetDefault(KeyWorkers, d.Workers)
	v.SetDefault(KeySelectTimeout, d.SelectTimeout)
	v.SetDefault(KeyRecvBuffer, d.RecvBuffer)
	v.SetDefault(KeySendBuffer, d.SendBuffer)
	v.SetDefault(KeyBufferSize, d.BufferSize)
	v.SetDefault(KeyGrowthFactor, d.GrowthFactor)
	v.SetDefault(KeyBufferMaxAge, d.BufferMaxAge)
	v.SetDefault(KeyIdleCheckInterval, d.IdleCheckInterval)
	v.SetDefault(KeyRequestMaxAge, d.RequestMaxAge)
	v.SetDefault(KeyRequestSweepInterval, d.RequestSweepInterval)
	v.SetDefault(KeyQueueDepth, d.QueueDepth)
	v.SetDefault(KeyBarrierInterval, d.BarrierInterval)
	v.SetDefault(KeyLowWatermark, d.LowWatermark)
	v.SetDefault(KeyHighWatermark, d.HighWatermark)
	v.SetDefault(KeyDrainFactor, d.DrainFactor)
	v.SetDefault(KeyMultipartTimeout, d.MultipartTimeout)
	v.SetDefault(KeyLogLevel, d.LogLevel)
}

// Load reads the configuration from v, falling back to the defaults and
// honouring OFCORE_* environment overrides.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Config{
		ListenAddress:        v.GetString(KeyListenAddress),
		Port:                 v.GetInt(KeyPort),
		TLSPort:              v.GetInt(KeyTLSPort),
		Workers:              v.GetInt(KeyWorkers),
		SelectTimeout:        v.GetDuration(KeySelectTimeout),
		RecvBuffer:           v.GetInt(KeyRecvBuffer),
		SendBuffer:           v.GetInt(KeySendBuffer),
		BufferSize:           v.GetInt(KeyBufferSize),
		GrowthFactor:         v.GetFloat64(KeyGrowthFactor),
		BufferMaxAge:         v.GetDuration(KeyBufferMaxAge),
		IdleCheckInterval:    v.GetDuration(KeyIdleCheckInterval),
		RequestMaxAge:        v.GetDuration(KeyRequestMaxAge),
		RequestSweepInterval: v.GetDuration(KeyRequestSweepInterval),
		QueueDepth:           v.GetInt(KeyQueueDepth),
		BarrierInterval:      v.GetDuration(KeyBarrierInterval),
		LowWatermark:         v.GetInt(KeyLowWatermark),
		HighWatermark:        v.GetInt(KeyHighWatermark),
		DrainFactor:          v.GetFloat64(KeyDrainFactor),
		MultipartTimeout:     v.GetDuration(KeyMultipartTimeout),
		TLS: secure.Config{
			CertFile:     v.GetString(KeyTLSCert),
			KeyFile:      v.GetString(KeyTLSKey),
			TrustFiles:   v.GetStringSlice(KeyTLSTrust),
			CipherSuites: v.GetStringSlice(KeyTLSCiphers),
			ClientAuth:   v.GetBool(KeyTLSClientAuth),
		},
		CPUs:           v.GetIntSlice(KeyCPUs),
		LogLevel:       v.GetString(KeyLogLevel),
		MetricsAddress: v.GetString(KeyMetricsAddress),
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ErrStoreClosed is returned by Update after Close.
var ErrStoreClosed = errors.New("config store closed")

// ReloadFunc observes a configuration change.
type ReloadFunc func(old, cur Config)

// ConfigStore holds the live configuration and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	listeners []ReloadFunc
	closed    bool
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// Get returns the current configuration.
func (cs *ConfigStore) Get() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Update validates and installs cfg, then runs the listeners in
// registration order on the calling goroutine.
func (cs *ConfigStore) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return ErrStoreClosed
	}
	old := cs.config
	cs.config = cfg
	listeners := append([]ReloadFunc(nil), cs.listeners...)
	cs.mu.Unlock()

	for _, fn := range listeners {
		fn(old, cfg)
	}
	return nil
}

// OnReload registers a listener hook called on config changes.
func (cs *ConfigStore) OnReload(fn ReloadFunc) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}

// Close drops the listeners and rejects later updates.
func (cs *ConfigStore) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.closed = true
	cs.listeners = nil
}
