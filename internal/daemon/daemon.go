// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon assembles edged: the module watchdog, the workload API
// server and the telemetry that observes both.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/listener"
	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/module"
	"github.com/tombee/edged/internal/module/memory"
	"github.com/tombee/edged/internal/telemetry"
	"github.com/tombee/edged/internal/watchdog"
	"github.com/tombee/edged/internal/workload"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

const (
	// rateLimitSweep is how often idle rate limit buckets are dropped.
	rateLimitSweep = time.Minute
	// rateLimitIdle is how long a caller's bucket survives without traffic.
	rateLimitIdle = 10 * time.Minute
)

// IdentityProvider is an identity manager that can also sign on behalf of
// the identities it holds.
type IdentityProvider interface {
	module.IdentityManager
	module.Signer
}

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the file watched when daemon.watch_config is set.
	ConfigPath string

	// Overrides are command line settings that take precedence over the
	// config file, including on reload.
	Overrides Overrides

	// Logger overrides the logger built from the log config (optional).
	Logger *slog.Logger

	// Runtime and Identity override the backends selected by
	// runtime.type (optional).
	Runtime  module.Runtime
	Identity IdentityProvider
}

// Overrides holds settings given on the command line.
type Overrides struct {
	ModuleID    string
	SocketPath  string
	TCPAddr     string
	AllowRemote bool
}

// Apply writes the non-empty overrides into cfg.
func (o Overrides) Apply(cfg *config.Config) {
	if o.ModuleID != "" {
		cfg.SetModuleID(o.ModuleID)
	}
	if o.SocketPath != "" {
		cfg.Workload.SocketPath = o.SocketPath
	}
	if o.TCPAddr != "" {
		cfg.Workload.TCPAddr = o.TCPAddr
	}
	if o.AllowRemote {
		cfg.Workload.AllowRemote = true
	}
}

// Daemon is the edged process: one supervised module and the workload API.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	runtime    module.Runtime
	identity   IdentityProvider
	telemetry  *telemetry.Provider
	limiter    *workload.RateLimiter
	supervisor *supervisor

	server  *http.Server
	ln      net.Listener
	pidFile string

	mu      sync.Mutex
	started bool
}

// New creates a new daemon instance.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = newLogger(cfg.Log)
	}
	logger = log.WithComponent(logger, "daemon")

	rt := opts.Runtime
	im := opts.Identity
	switch cfg.Runtime.Type {
	case config.RuntimeMemory:
		if rt == nil {
			rt = memory.NewRuntime()
		}
		if im == nil {
			im = memory.NewIdentityManager("edged")
		}
	default:
		if rt == nil || im == nil {
			return nil, fmt.Errorf("unsupported runtime type %q", cfg.Runtime.Type)
		}
	}

	provider, err := telemetry.New(ctx, telemetryConfig(cfg.Observability, opts.Version))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Observability.Enabled {
		provider.Install()
		logger.Info("OpenTelemetry provider initialized",
			slog.String("service_name", cfg.Observability.ServiceName),
			slog.Int("exporters", len(cfg.Observability.Exporters)))
	}

	sup := newSupervisor(rt, im, logger,
		watchdog.WithLogger(log.WithComponent(logger, "watchdog")),
		watchdog.WithMetrics(provider.Collector()),
		watchdog.WithTracer(provider.Tracer("edged.watchdog")),
	)

	return &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		runtime:   rt,
		identity:  im,
		telemetry: provider,
		limiter: workload.NewRateLimiter(workload.RateLimitConfig{
			Enabled:           cfg.Workload.RateLimit.Enabled,
			RequestsPerSecond: cfg.Workload.RateLimit.RequestsPerSecond,
			Burst:             cfg.Workload.RateLimit.Burst,
		}),
		supervisor: sup,
	}, nil
}

// Start builds the workload service, starts supervision and serves until
// ctx is cancelled. A watchdog that gives up is returned as an error.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.Daemon.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.Daemon.PIDFile
	}

	svc, err := d.buildService(ctx)
	if err != nil {
		return fmt.Errorf("failed to build workload service: %w", err)
	}

	ln, err := listener.New(d.cfg.Workload)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	d.mu.Lock()
	d.ln = ln
	d.server = &http.Server{
		Handler:           d.handler(svc),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	server := d.server
	d.mu.Unlock()

	d.logBanner(ln.Addr(), len(svc.Routes()))

	d.supervisor.start(ctx, watchdogConfig(d.cfg))
	go d.sweepRateLimits(ctx)

	if d.cfg.Daemon.WatchConfig && d.opts.ConfigPath != "" {
		if err := d.watchConfig(ctx); err != nil {
			d.logger.Warn("config watching disabled", log.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	case err := <-d.supervisor.errors():
		return err
	}
}

// buildService registers the workload routes and builds the service.
func (d *Daemon) buildService(ctx context.Context) (*workload.Service, error) {
	b := workload.NewBuilder(
		workload.WithLogger(log.WithComponent(d.logger, "workload")),
		workload.WithMetrics(d.telemetry.Collector()),
		workload.WithTracer(d.telemetry.Tracer("edged.workload")),
		workload.WithMaxBodyBytes(d.cfg.Workload.MaxBodyBytes),
	)
	api := workload.API{
		Runtime:  d.runtime,
		Identity: d.identity,
		Signer:   d.identity,
		Version: workload.VersionInfo{
			Version:   d.opts.Version,
			Commit:    d.opts.Commit,
			BuildDate: d.opts.BuildDate,
		},
	}
	return api.Register(b).Build(ctx)
}

// handler wraps the service with the HTTP middleware chain. Rate limiting
// runs first so rejected callers cost nothing further.
func (d *Daemon) handler(svc *workload.Service) http.Handler {
	var h http.Handler = svc
	if d.cfg.Observability.Enabled {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", d.telemetry.MetricsHandler())
		mux.Handle("/", svc)
		h = mux
	}

	h = log.HTTPMiddleware(log.WithComponent(d.logger, "http"), telemetry.RequestCorrelationID, h)
	h = telemetry.PropagationMiddleware(h)
	h = telemetry.CorrelationMiddleware(h)
	return d.limiter.Middleware(h)
}

func (d *Daemon) sweepRateLimits(ctx context.Context) {
	t := time.NewTicker(rateLimitSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.limiter.Cleanup(rateLimitIdle)
		}
	}
}

// Shutdown gracefully shuts down the daemon. Cleanup always runs; if
// in-flight requests outlive daemon.shutdown_timeout their connections are
// closed and a *errors.TimeoutError is returned.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	var shutdownErr error
	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Daemon.ShutdownTimeout)
		defer cancel()

		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", log.Error(err))
			if errors.Is(err, context.DeadlineExceeded) {
				shutdownErr = &edgederrors.TimeoutError{
					Operation: "workload server shutdown",
					Duration:  d.cfg.Daemon.ShutdownTimeout,
					Cause:     err,
				}
			}
			d.server.Close()
		}
	}

	// The watchdog leaves the supervised module running.
	d.supervisor.stop()

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file",
				log.Error(err),
				slog.String("path", d.pidFile))
		}
	}

	if d.cfg.Workload.TCPAddr == "" && d.cfg.Workload.SocketPath != "" {
		if err := os.Remove(d.cfg.Workload.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file",
				log.Error(err),
				slog.String("path", d.cfg.Workload.SocketPath))
		}
	}

	telemetryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.telemetry.Shutdown(telemetryCtx); err != nil {
		d.logger.Error("OpenTelemetry provider shutdown error", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return shutdownErr
}

// Addr returns the listener address once Start has bound it.
func (d *Daemon) Addr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ln == nil {
		return nil
	}
	return d.ln.Addr()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.Daemon.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	return os.WriteFile(d.cfg.Daemon.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0600)
}

func (d *Daemon) logBanner(addr net.Addr, routes int) {
	d.logger.Info("edged starting",
		slog.String("version", d.opts.Version),
		slog.String("commit", d.opts.Commit),
		slog.String("listen_addr", addr.String()),
		slog.String(log.ModuleIDKey, d.cfg.Watchdog.ModuleID),
		slog.String("image", d.cfg.Watchdog.Spec.Image),
		slog.Int("routes", routes))
}

// newLogger builds the process logger. Environment settings apply first
// and explicit config values override them.
func newLogger(cfg config.LogConfig) *slog.Logger {
	lc := log.FromEnv()
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if cfg.Format != "" {
		lc.Format = log.Format(cfg.Format)
	}
	lc.AddSource = lc.AddSource || cfg.AddSource
	return log.New(lc)
}

// telemetryConfig converts config.ObservabilityConfig to telemetry.Config.
func telemetryConfig(obs config.ObservabilityConfig, version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = obs.Enabled
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.SamplingRate = obs.SamplingRate

	cfg.Exporters = make([]telemetry.ExporterConfig, len(obs.Exporters))
	for i, exp := range obs.Exporters {
		cfg.Exporters[i] = telemetry.ExporterConfig{
			Type:     exp.Type,
			Endpoint: exp.Endpoint,
			Insecure: exp.Insecure,
			Headers:  exp.Headers,
		}
	}
	return cfg
}
