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

// Package workload implements the local HTTP API that modules use to obtain
// identity material.
//
// A Service is assembled by a Builder in two phases: Build runs every
// handler factory, and only a fully built Service can dispatch requests.
// The route table never changes afterwards, so dispatch takes no locks.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/edged/internal/httputil"
	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/workload/route"
)

// DefaultMaxBodyBytes caps request bodies read by ServeHTTP.
const DefaultMaxBodyBytes int64 = 1 << 20

// unmatchedRoute labels metrics for requests that matched no pattern.
const unmatchedRoute = "unmatched"

// Request is a transport-independent workload request.
type Request struct {
	Method     string
	Path       string
	Query      url.Values
	Header     http.Header
	Body       []byte
	RemoteAddr string
	// Params holds the values captured from the matched pattern.
	Params route.Params
}

// Response is returned by handlers and written back unchanged.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// JSON builds a response with v encoded as the body.
func JSON(status int, v any) (*Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	h := make(http.Header)
	h.Set("Content-Type", httputil.ContentTypeJSON)
	return &Response{Status: status, Header: h, Body: append(body, '\n')}, nil
}

func errorResponse(status int, message string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", httputil.ContentTypeJSON)
	return &Response{Status: status, Header: h, Body: httputil.ErrorBody(message)}
}

// Handler serves one matched request.
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Serve calls f.
func (f HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// HandlerFactory sets up a handler. It may block on resource acquisition and
// may fail, in which case the service is not built.
type HandlerFactory func(ctx context.Context) (Handler, error)

// HTTPError is a handler error carrying the status to respond with.
type HTTPError struct {
	Status  int
	Message string
	Err     error
}

// NewHTTPError creates an HTTPError with a formatted message.
func NewHTTPError(status int, format string, args ...any) *HTTPError {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

func (e *HTTPError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Metrics receives per-request outcomes.
type Metrics interface {
	RecordRequest(ctx context.Context, method, route string, status int, duration time.Duration)
}

// Service dispatches workload requests to the handlers it was built with.
type Service struct {
	routes       *route.Recognizer
	logger       *slog.Logger
	metrics      Metrics
	tracer       trace.Tracer
	maxBodyBytes int64
}

// Routes returns the registered routes in registration order.
func (s *Service) Routes() []route.Route {
	return s.routes.Routes()
}

// Dispatch routes req and returns the response to send. It never returns
// nil. Handler failures, including panics, become 500 responses.
func (s *Service) Dispatch(ctx context.Context, req *Request) *Response {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "workload.dispatch",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.Path),
		))
	defer span.End()

	pattern := unmatchedRoute
	resp := s.dispatch(ctx, req, &pattern)

	span.SetAttributes(
		attribute.String("http.route", pattern),
		attribute.Int("http.response.status_code", resp.Status),
	)
	if resp.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}
	if s.metrics != nil {
		s.metrics.RecordRequest(ctx, req.Method, pattern, resp.Status, time.Since(start))
	}
	return resp
}

func (s *Service) dispatch(ctx context.Context, req *Request, pattern *string) *Response {
	m, err := s.routes.Match(req.Method, req.Path)
	if err != nil {
		var mna *route.MethodNotAllowedError
		if errors.As(err, &mna) {
			resp := errorResponse(http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", req.Method))
			resp.Header.Set("Allow", strings.Join(mna.Allowed, ", "))
			return resp
		}
		return errorResponse(http.StatusNotFound, fmt.Sprintf("no route for %s", req.Path))
	}
	*pattern = m.Pattern

	r := *req
	r.Params = m.Params
	return s.invoke(ctx, m.Handler.(Handler), &r)
}

func (s *Service) invoke(ctx context.Context, h Handler, req *Request) (resp *Response) {
	logger := s.logger.With(slog.String(log.RouteKey, req.Method+" "+req.Path))

	defer func() {
		if p := recover(); p != nil {
			logger.Error("handler panicked",
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())))
			trace.SpanFromContext(ctx).RecordError(fmt.Errorf("panic: %v", p))
			resp = errorResponse(http.StatusInternalServerError, "internal error")
		}
	}()

	resp, err := h.Serve(ctx, req)
	if err != nil {
		var he *HTTPError
		if errors.As(err, &he) {
			if he.Status < http.StatusBadRequest || he.Status > 599 {
				logger.Error("handler error carries a non-error status", slog.Int("status", he.Status), log.Error(err))
				trace.SpanFromContext(ctx).RecordError(err)
				return errorResponse(http.StatusInternalServerError, "internal error")
			}
			if he.Status >= http.StatusInternalServerError {
				logger.Error("handler failed", slog.Int("status", he.Status), log.Error(err))
			}
			return errorResponse(he.Status, he.Message)
		}
		logger.Error("handler failed", log.Error(err))
		trace.SpanFromContext(ctx).RecordError(err)
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	if resp == nil {
		return &Response{Status: http.StatusNoContent}
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.Status < 100 || resp.Status > 599 {
		logger.Error("handler returned an invalid status", slog.Int("status", resp.Status))
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	return resp
}

// ServeHTTP adapts net/http to Dispatch.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp := s.Dispatch(r.Context(), &Request{
		Method:     r.Method,
		Path:       r.URL.EscapedPath(),
		Query:      r.URL.Query(),
		Header:     r.Header,
		Body:       body,
		RemoteAddr: r.RemoteAddr,
	})

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 && r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			s.logger.Debug("failed to write response body", log.Error(err))
		}
	}
}
