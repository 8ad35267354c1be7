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

package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/workload/route"
)

// BuildError reports why a Service could not be built.
type BuildError struct {
	Method  string
	Pattern string
	Err     error
}

func (e *BuildError) Error() string {
	if e.Pattern == "" {
		return fmt.Sprintf("workload: build failed: %v", e.Err)
	}
	return fmt.Sprintf("workload: building %s %s: %v", e.Method, e.Pattern, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

var errNilHandler = errors.New("factory returned nil handler")

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets the logger handed to the built Service.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics sets the request metrics sink.
func WithMetrics(m Metrics) Option {
	return func(b *Builder) {
		b.metrics = m
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(b *Builder) {
		if t != nil {
			b.tracer = t
		}
	}
}

// WithMaxBodyBytes caps the request body size accepted by ServeHTTP.
func WithMaxBodyBytes(n int64) Option {
	return func(b *Builder) {
		if n > 0 {
			b.maxBodyBytes = n
		}
	}
}

type registration struct {
	method  string
	pattern string
	factory HandlerFactory
}

// Builder collects routes and their handler factories.
type Builder struct {
	registrations []registration
	logger        *slog.Logger
	metrics       Metrics
	tracer        trace.Tracer
	maxBodyBytes  int64
}

// NewBuilder creates an empty builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		logger:       log.WithComponent(slog.Default(), "workload"),
		tracer:       otel.Tracer("edged.workload"),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handle registers a route whose handler is produced by factory at Build.
func (b *Builder) Handle(method, pattern string, factory HandlerFactory) *Builder {
	b.registrations = append(b.registrations, registration{method: method, pattern: pattern, factory: factory})
	return b
}

// HandleFunc registers a route served by a handler that needs no setup.
func (b *Builder) HandleFunc(method, pattern string, h HandlerFunc) *Builder {
	return b.Handle(method, pattern, func(context.Context) (Handler, error) {
		return h, nil
	})
}

// Build validates the route table, runs every handler factory concurrently
// and returns a ready Service. On any failure it returns a *BuildError and
// no Service. The first factory failure cancels the context passed to the
// others.
func (b *Builder) Build(ctx context.Context) (*Service, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BuildError{Err: err}
	}

	// Reject malformed and conflicting patterns before any setup runs.
	check := &route.Recognizer{}
	for _, reg := range b.registrations {
		if reg.factory == nil {
			return nil, &BuildError{Method: reg.method, Pattern: reg.pattern, Err: errors.New("nil handler factory")}
		}
		if err := check.Add(route.Route{Method: reg.method, Pattern: reg.pattern}); err != nil {
			return nil, &BuildError{Method: reg.method, Pattern: reg.pattern, Err: err}
		}
	}

	handlers := make([]Handler, len(b.registrations))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range b.registrations {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = &BuildError{Method: reg.method, Pattern: reg.pattern, Err: fmt.Errorf("factory panicked: %v", p)}
				}
			}()

			h, err := reg.factory(gctx)
			if err != nil {
				return &BuildError{Method: reg.method, Pattern: reg.pattern, Err: err}
			}
			if h == nil {
				return &BuildError{Method: reg.method, Pattern: reg.pattern, Err: errNilHandler}
			}
			handlers[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Error("workload service build failed", log.Error(err))
		return nil, err
	}

	routes := make([]route.Route, len(b.registrations))
	for i, reg := range b.registrations {
		routes[i] = route.Route{Method: reg.method, Pattern: reg.pattern, Handler: handlers[i]}
	}
	recognizer, err := route.New(routes...)
	if err != nil {
		return nil, &BuildError{Err: err}
	}

	b.logger.Debug("workload service built", slog.Int("routes", len(routes)))
	return &Service{
		routes:       recognizer,
		logger:       b.logger,
		metrics:      b.metrics,
		tracer:       b.tracer,
		maxBodyBytes: b.maxBodyBytes,
	}, nil
}
