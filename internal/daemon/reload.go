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
	"log/slog"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/log"
)

// watchConfig starts a watcher on the daemon's config file.
func (d *Daemon) watchConfig(ctx context.Context) error {
	w, err := config.NewWatcher(config.WatcherConfig{
		Path:     d.opts.ConfigPath,
		Logger:   d.logger,
		OnReload: func(cfg *config.Config) { d.reload(ctx, cfg) },
	})
	if err != nil {
		return err
	}

	go func() {
		if err := w.Run(ctx); err != nil {
			d.logger.Warn("config watcher stopped", log.Error(err))
		}
	}()
	d.logger.Info("watching configuration", slog.String("path", d.opts.ConfigPath))
	return nil
}

// reload applies a new configuration on top of the command line overrides.
// Only watchdog settings take effect without a restart; listener and
// telemetry changes are reported and ignored. It reports whether the
// watchdog was restarted.
func (d *Daemon) reload(ctx context.Context, cfg *config.Config) bool {
	if ctx.Err() != nil {
		return false
	}
	d.opts.Overrides.Apply(cfg)

	if cfg.Workload.SocketPath != d.cfg.Workload.SocketPath ||
		cfg.Workload.TCPAddr != d.cfg.Workload.TCPAddr ||
		cfg.Observability.Enabled != d.cfg.Observability.Enabled {
		d.logger.Warn("listener and observability changes require a restart")
	}

	return d.supervisor.reload(ctx, watchdogConfig(cfg))
}
