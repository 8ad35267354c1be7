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

// Package watchdog keeps a single module running against its spec.
//
// A Watchdog polls the module runtime, creates or starts the module when it
// is missing, stopped or failed, and exits when its context is cancelled.
// Cancellation is cooperative: it is checked between reconciliation steps and
// never interrupts a runtime call that is already in flight. The supervised
// module is left as-is on exit.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// DefaultPollInterval is used when no poll interval is configured.
const DefaultPollInterval = 5 * time.Second

// Config is the full set of inputs for one supervised module.
type Config struct {
	ModuleID     string
	Spec         module.Spec
	PollInterval time.Duration
	// MaxRetries is the number of consecutive failed attempts after which
	// the watchdog gives up. Zero retries forever.
	MaxRetries int
}

// Metrics receives reconciliation outcomes.
type Metrics interface {
	RecordReconcile(ctx context.Context, moduleID, action string, err error)
	RecordState(moduleID, state string)
}

// Watchdog supervises one module through injected runtime and identity
// capabilities.
type Watchdog struct {
	runtime  module.Runtime
	identity module.IdentityManager

	pollInterval time.Duration
	maxRetries   int
	logger       *slog.Logger
	metrics      Metrics
	tracer       trace.Tracer

	state   atomic.Int32
	running atomic.Bool
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithPollInterval sets the wait between reconciliation passes.
func WithPollInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxRetries sets the consecutive failure limit. Zero retries forever.
func WithMaxRetries(n int) Option {
	return func(w *Watchdog) {
		if n >= 0 {
			w.maxRetries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(w *Watchdog) {
		w.metrics = m
	}
}

// WithTracer sets the tracer used for reconcile spans.
func WithTracer(t trace.Tracer) Option {
	return func(w *Watchdog) {
		if t != nil {
			w.tracer = t
		}
	}
}

// New creates a watchdog over the given runtime and identity manager.
func New(rt module.Runtime, im module.IdentityManager, opts ...Option) *Watchdog {
	w := &Watchdog{
		runtime:      rt,
		identity:     im,
		pollInterval: DefaultPollInterval,
		logger:       log.WithComponent(slog.Default(), "watchdog"),
		tracer:       otel.Tracer("edged.watchdog"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// State returns the current loop phase.
func (w *Watchdog) State() State {
	return State(w.state.Load())
}

func (w *Watchdog) setState(moduleID string, s State) {
	w.state.Store(int32(s))
	if w.metrics != nil {
		w.metrics.RecordState(moduleID, s.String())
	}
}

// RunUntil supervises moduleID against spec until ctx is cancelled.
//
// It returns nil once cancellation is observed, or a *RetriesExhaustedError
// when the configured consecutive failure limit is reached. Runtime and
// identity calls run on a context detached from ctx's cancellation, so a call
// that has started always runs to completion.
func (w *Watchdog) RunUntil(ctx context.Context, spec module.Spec, moduleID string) error {
	if moduleID == "" {
		return &edgederrors.ValidationError{Field: "module_id", Message: "must not be empty"}
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Name != moduleID {
		return &edgederrors.ValidationError{
			Field:   "spec.name",
			Message: fmt.Sprintf("%q does not match module ID %q", spec.Name, moduleID),
		}
	}
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.running.Store(false)

	spec = spec.Clone()
	logger := log.WithModule(w.logger, moduleID)
	callCtx := context.WithoutCancel(ctx)

	logger.Info("watchdog started",
		slog.String("image", spec.Image),
		slog.String("restart_policy", string(spec.Policy())),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("max_retries", w.maxRetries))

	failures := 0
	for {
		if ctx.Err() != nil {
			break
		}

		w.setState(moduleID, StateReconciling)
		observed := module.StateNotFound
		err := w.reconcile(ctx, callCtx, spec, moduleID, logger, &observed)
		if err == errShutdown {
			break
		}

		if err != nil {
			failures++
			logger.Warn("reconciliation failed",
				slog.Int("attempt", failures),
				slog.Int("max_retries", w.maxRetries),
				log.Error(err))

			if w.maxRetries > 0 && failures >= w.maxRetries {
				w.setState(moduleID, StateFatal)
				logger.Error("watchdog giving up", slog.Int("attempts", failures), log.Error(err))
				return &RetriesExhaustedError{ModuleID: moduleID, Attempts: failures, Last: err}
			}
		} else if observed == module.StateRunning {
			failures = 0
		}

		w.setState(moduleID, StateWaiting)
		if !w.wait(ctx) {
			break
		}
	}

	w.setState(moduleID, StateShuttingDown)
	logger.Info("watchdog stopped")
	return nil
}

// wait blocks for one poll interval. It returns false if ctx ends first.
func (w *Watchdog) wait(ctx context.Context) bool {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// reconcile performs one pass and stores the state it read in observed. It
// returns errShutdown when ctx is cancelled before the next step would begin.
func (w *Watchdog) reconcile(ctx, callCtx context.Context, spec module.Spec, moduleID string, logger *slog.Logger, observed *module.State) (err error) {
	spanCtx, span := w.tracer.Start(callCtx, "watchdog.reconcile",
		trace.WithAttributes(attribute.String("module.id", moduleID)))
	action := ActionObserve
	defer func() {
		if err == errShutdown {
			span.SetAttributes(attribute.Bool("shutdown", true))
		} else {
			span.SetAttributes(attribute.String("action", string(action)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			if w.metrics != nil {
				w.metrics.RecordReconcile(spanCtx, moduleID, string(action), err)
			}
		}
		span.End()
	}()

	status, err := w.runtime.Get(spanCtx, moduleID)
	if err != nil {
		return fmt.Errorf("getting module status: %w", err)
	}
	*observed = status.State
	span.SetAttributes(attribute.String("module.state", string(status.State)))

	action = decide(status.State, spec.Policy())
	logger.Debug("module observed",
		slog.String("state", string(status.State)),
		slog.String(log.ActionKey, string(action)))

	switch action {
	case ActionNone:
		if status.State == module.StateFailed || status.State == module.StateStopped {
			logger.Debug("restart policy leaves module down",
				slog.String("state", string(status.State)),
				slog.String("reason", status.Reason))
		}
		return nil
	case ActionStart:
		if ctx.Err() != nil {
			return errShutdown
		}
		if err := w.runtime.Start(spanCtx, moduleID); err != nil {
			return fmt.Errorf("starting module: %w", err)
		}
		logger.Info("module started", slog.String("previous_state", string(status.State)))
		return nil
	case ActionCreate, ActionRecreate:
		if status.State == module.StateFailed {
			logger.Warn("module failed, recreating", slog.String("reason", status.Reason))
		}
		return w.provision(ctx, spanCtx, spec, moduleID, action, logger)
	default:
		return fmt.Errorf("unexpected module state %q", status.State)
	}
}

// provision refreshes the module identity, then creates and starts it.
func (w *Watchdog) provision(ctx, callCtx context.Context, spec module.Spec, moduleID string, action Action, logger *slog.Logger) error {
	if ctx.Err() != nil {
		return errShutdown
	}
	identity, err := w.identity.GetOrCreate(callCtx, moduleID)
	if err != nil {
		return fmt.Errorf("obtaining identity: %w", err)
	}

	if action == ActionRecreate {
		if ctx.Err() != nil {
			return errShutdown
		}
		if err := w.runtime.Remove(callCtx, moduleID); err != nil && !edgederrors.IsNotFound(err) {
			return fmt.Errorf("removing failed module: %w", err)
		}
	}

	if ctx.Err() != nil {
		return errShutdown
	}
	if _, err := w.runtime.Create(callCtx, spec); err != nil {
		return fmt.Errorf("creating module: %w", err)
	}

	if ctx.Err() != nil {
		return errShutdown
	}
	if err := w.runtime.Start(callCtx, moduleID); err != nil {
		return fmt.Errorf("starting module: %w", err)
	}

	logger.Info("module created and started",
		slog.String(log.ActionKey, string(action)),
		slog.String("generation_id", identity.GenerationID))
	return nil
}

// decide maps an observed state and restart policy to an action.
func decide(state module.State, policy module.RestartPolicy) Action {
	switch state {
	case module.StateRunning:
		return ActionNone
	case module.StateNotFound:
		return ActionCreate
	case module.StateCreated:
		return ActionStart
	case module.StateStopped:
		if policy == module.RestartAlways {
			return ActionStart
		}
		return ActionNone
	case module.StateFailed:
		if policy == module.RestartNever {
			return ActionNone
		}
		return ActionRecreate
	}
	return Action("")
}

// StartWatchdog runs a watchdog for cfg until ctx is cancelled.
func StartWatchdog(ctx context.Context, rt module.Runtime, im module.IdentityManager, cfg Config, opts ...Option) error {
	all := append([]Option{
		WithPollInterval(cfg.PollInterval),
		WithMaxRetries(cfg.MaxRetries),
	}, opts...)
	return New(rt, im, all...).RunUntil(ctx, cfg.Spec, cfg.ModuleID)
}
