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
	"sync"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/module"
	"github.com/tombee/edged/internal/watchdog"
)

// supervisor owns the running watchdog. A reload with different watchdog
// settings stops the current instance and starts a fresh one.
type supervisor struct {
	runtime  module.Runtime
	identity module.IdentityManager
	opts     []watchdog.Option
	logger   *slog.Logger

	// fatal receives a watchdog's terminal error. Buffered so a watchdog
	// never blocks on exit.
	fatal chan error

	mu      sync.Mutex
	current watchdog.Config
	cancel  context.CancelFunc
	done    chan struct{}
}

func newSupervisor(rt module.Runtime, im module.IdentityManager, logger *slog.Logger, opts ...watchdog.Option) *supervisor {
	return &supervisor{
		runtime:  rt,
		identity: im,
		opts:     opts,
		logger:   log.WithComponent(logger, "supervisor"),
		fatal:    make(chan error, 1),
	}
}

// watchdogConfig extracts the watchdog inputs from the daemon config.
func watchdogConfig(cfg *config.Config) watchdog.Config {
	return watchdog.Config{
		ModuleID:     cfg.Watchdog.ModuleID,
		Spec:         cfg.Watchdog.Spec.Clone(),
		PollInterval: cfg.Watchdog.PollInterval,
		MaxRetries:   cfg.Watchdog.MaxRetries,
	}
}

func sameWatchdogConfig(a, b watchdog.Config) bool {
	return a.ModuleID == b.ModuleID &&
		a.PollInterval == b.PollInterval &&
		a.MaxRetries == b.MaxRetries &&
		a.Spec.Equal(b.Spec)
}

// start launches a watchdog for cfg. The watchdog lives until ctx is
// cancelled, stop is called, or a later start replaces it.
func (s *supervisor) start(ctx context.Context, cfg watchdog.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.launchLocked(ctx, cfg)
}

// reload replaces the watchdog if cfg differs from the running one. It
// reports whether a restart happened.
func (s *supervisor) reload(ctx context.Context, cfg watchdog.Config) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil && sameWatchdogConfig(s.current, cfg) {
		return false
	}
	s.logger.Info("watchdog settings changed, restarting supervision",
		slog.String(log.ModuleIDKey, cfg.ModuleID),
		slog.String("image", cfg.Spec.Image))
	s.stopLocked()
	s.launchLocked(ctx, cfg)
	return true
}

// stop cancels the running watchdog and waits for it to return.
func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *supervisor) launchLocked(ctx context.Context, cfg watchdog.Config) {
	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.current = cfg
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		err := watchdog.StartWatchdog(wctx, s.runtime, s.identity, cfg, s.opts...)
		if err == nil {
			return
		}
		s.logger.Error("watchdog exited", slog.String(log.ModuleIDKey, cfg.ModuleID), log.Error(err))
		select {
		case s.fatal <- err:
		default:
		}
	}()
}

func (s *supervisor) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
}

// errors returns the channel that carries terminal watchdog errors.
func (s *supervisor) errors() <-chan error {
	return s.fatal
}
