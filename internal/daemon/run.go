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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/log"
)

// RunOptions configures daemon execution.
type RunOptions struct {
	Version   string
	Commit    string
	BuildDate string

	// ConfigPath is the YAML config file. Empty uses built-in defaults.
	ConfigPath string

	// Config overrides
	ModuleID    string
	SocketPath  string
	TCPAddr     string
	AllowRemote bool
}

// Run loads configuration, starts the daemon and blocks until SIGINT or
// SIGTERM, or until the watchdog gives up.
func Run(opts RunOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		slog.Error("Failed to load config", log.Error(err))
		return fmt.Errorf("failed to load config: %w", err)
	}

	overrides := Overrides{
		ModuleID:    opts.ModuleID,
		SocketPath:  opts.SocketPath,
		TCPAddr:     opts.TCPAddr,
		AllowRemote: opts.AllowRemote,
	}
	overrides.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	if cfg.Workload.AllowRemote {
		logger.Warn("--allow-remote is enabled. The workload API will accept connections from any network address. Configure TLS before exposing it.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg, Options{
		Version:    opts.Version,
		Commit:     opts.Commit,
		BuildDate:  opts.BuildDate,
		ConfigPath: opts.ConfigPath,
		Overrides:  overrides,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("Failed to create daemon", log.Error(err))
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	runErr := d.Start(ctx)
	if ctx.Err() != nil {
		fmt.Fprintln(os.Stderr, "\nReceived signal, shutting down...")
	}
	stop()

	if err := d.Shutdown(context.Background()); err != nil {
		logger.Error("Error during shutdown", log.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	if runErr != nil {
		logger.Error("Daemon error", log.Error(runErr))
		return fmt.Errorf("daemon error: %w", runErr)
	}
	return nil
}
