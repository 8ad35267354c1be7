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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/edged/internal/log"
)

// DefaultDebounceDelay coalesces the burst of events editors emit on save.
const DefaultDebounceDelay = 200 * time.Millisecond

// ReloadFunc receives a freshly loaded, validated configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path          string
	onReload      ReloadFunc
	logger        *slog.Logger
	debounceDelay time.Duration

	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending *time.Timer

	wg sync.WaitGroup
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Path is the config file to watch.
	Path string

	// OnReload is called after each successful reload.
	OnReload ReloadFunc

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay defaults to DefaultDebounceDelay.
	DebounceDelay time.Duration
}

// NewWatcher creates a watcher for cfg.Path. The file's directory is
// watched rather than the file so that atomic replace-on-save is seen.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", cfg.Path, err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		_ = fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(absPath), err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	delay := cfg.DebounceDelay
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}

	return &Watcher{
		path:          absPath,
		onReload:      cfg.OnReload,
		logger:        log.WithComponent(logger, "config-watcher"),
		debounceDelay: delay,
		fsWatcher:     fsWatcher,
	}, nil
}

// Run processes file events until ctx is cancelled, then releases the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.mu.Lock()
		if w.pending != nil && w.pending.Stop() {
			w.wg.Done()
		}
		w.mu.Unlock()
		w.wg.Wait()
		_ = w.fsWatcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A timer stopped before firing never runs its Done.
	if w.pending != nil && w.pending.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.pending = time.AfterFunc(w.debounceDelay, func() {
		defer w.wg.Done()
		w.reload()
	})
}

// reload loads the file and hands it to the callback. A config that fails
// to load is logged and the previous one stays in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration",
			slog.String("path", w.path),
			log.Error(err),
		)
		return
	}
	w.logger.Info("configuration reloaded", slog.String("path", w.path))
	w.onReload(cfg)
}
