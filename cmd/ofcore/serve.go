// File: cmd/ofcore/serve.go
// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/momentics/hioload-ofc/api"
	"github.com/momentics/hioload-ofc/control"
	"github.com/momentics/hioload-ofc/controller"
	"github.com/momentics/hioload-ofc/wire"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept switch connections",
	Long: `Start the controller. Every flag can also be set through a config file
(--config) or an environment variable OFCORE_<FLAG>, e.g. OFCORE_QUEUE_DEPTH=512.`,
	RunE: runServe,
}

func init() {
	d := control.DefaultConfig()
	f := serveCmd.Flags()
	f.String("config", "", "config file (yaml, toml or json); reloaded on change")
	f.String(control.KeyListenAddress, d.ListenAddress, "address to listen on")
	f.Int(control.KeyPort, d.Port, "plain TCP port")
	f.Int(control.KeyTLSPort, d.TLSPort, "TLS port, 0 disables TLS")
	f.Int(control.KeyWorkers, d.Workers, "number of I/O loops")
	f.Int(control.KeyQueueDepth, d.QueueDepth, "maximum outstanding requests per connection")
	f.Duration(control.KeyBarrierInterval, d.BarrierInterval, "maximum time between barriers while requests are pending")
	f.Int(control.KeyLowWatermark, d.LowWatermark, "event permits at which filtering stops")
	f.Int(control.KeyHighWatermark, d.HighWatermark, "event permits at which filtering starts")
	f.String(control.KeyTLSCert, "", "TLS certificate file")
	f.String(control.KeyTLSKey, "", "TLS private key file")
	f.StringSlice(control.KeyTLSTrust, nil, "trusted CA files")
	f.Bool(control.KeyTLSClientAuth, false, "require client certificates")
	f.IntSlice(control.KeyCPUs, nil, "CPUs to pin I/O loops to")
	f.String(control.KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	f.String(control.KeyMetricsAddress, "", "serve /metrics and /debug/state on this address")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	cfg, err := control.Load(v)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	store := control.NewConfigStore(cfg)
	if v.ConfigFileUsed() != "" {
		control.Watch(v, store, log)
	}

	var ctl *controller.Controller
	metrics := control.NewMetrics(func() []control.EngineSample { return ctl.Samples() })
	ctl, err = controller.New(cfg, wire.Codec{}, &logConsumer{log: log.Named("devices")},
		controller.WithLogger(log),
		controller.WithProtocol(wire.Protocol{}),
		controller.WithMetrics(metrics),
		controller.WithConfigStore(store))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := ctl.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddress != "" {
		srv, err = serveMetrics(cfg.MetricsAddress, metrics, ctl, log)
		if err != nil {
			_ = ctl.Stop()
			return err
		}
	}

	<-ctx.Done()
	log.Info("shutting down")
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return ctl.Stop()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func serveMetrics(addr string, metrics *control.Metrics, ctl *controller.Controller, log *zap.Logger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return nil, err
	}
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	probes.RegisterProbe("connections", func() any { return len(ctl.Conns()) })
	probes.RegisterProbe("engines", func() any { return ctl.Samples() })

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/state", probes)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics listening", zap.String("addr", addr))
	return srv, nil
}

// logConsumer logs device traffic nobody else claimed and releases event
// permits immediately.
type logConsumer struct {
	log *zap.Logger
}

func (c *logConsumer) OnConnect(conn *controller.Conn) {
	c.log.Info("connected", zap.Stringer("remote", conn.RemoteAddr()))
	if err := conn.Send(wire.New(wire.TypeHello, 0, nil)); err != nil {
		c.log.Warn("hello failed", zap.Error(err))
	}
}

func (c *logConsumer) OnEvent(conn *controller.Conn, msg api.Message) bool {
	defer conn.ReleaseEvent()
	c.log.Debug("event", zap.Stringer("remote", conn.RemoteAddr()), zap.Any("msg", msg))
	return true
}

func (c *logConsumer) OnMessage(conn *controller.Conn, msg api.Message) {
	c.log.Debug("message", zap.Stringer("remote", conn.RemoteAddr()), zap.Any("msg", msg))
}

func (c *logConsumer) OnDisconnect(conn *controller.Conn, cause error) {
	c.log.Info("disconnected", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(cause))
}
