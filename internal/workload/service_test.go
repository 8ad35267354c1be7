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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/workload/route"
)

func text(body string) HandlerFunc {
	return func(ctx context.Context, req *Request) (*Response, error) {
		return &Response{Status: http.StatusOK, Body: []byte(body)}, nil
	}
}

func newTestBuilder(opts ...Option) *Builder {
	return NewBuilder(append([]Option{WithLogger(log.Discard())}, opts...)...)
}

func mustBuild(t *testing.T, b *Builder) *Service {
	t.Helper()
	svc, err := b.Build(context.Background())
	require.NoError(t, err)
	require.NotNil(t, svc)
	return svc
}

func TestDispatch_Routing(t *testing.T) {
	var signCalls, certCalls atomic.Int32
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("GET", "/modules/{name}/sign", func(ctx context.Context, req *Request) (*Response, error) {
			signCalls.Add(1)
			return &Response{Status: http.StatusOK, Body: []byte("sign:" + req.Params.Get("name"))}, nil
		}).
		HandleFunc("GET", "/modules/{name}/cert", func(ctx context.Context, req *Request) (*Response, error) {
			certCalls.Add(1)
			return &Response{Status: http.StatusOK, Body: []byte("cert")}, nil
		}))

	resp := svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/modules/foo/sign"})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "sign:foo", string(resp.Body))

	resp = svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/modules/foo/unknown"})
	assert.Equal(t, http.StatusNotFound, resp.Status)

	assert.Equal(t, int32(1), signCalls.Load())
	assert.Equal(t, int32(0), certCalls.Load(), "no handler runs on not-found")
}

func TestDispatch_LiteralOverParameter(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("GET", "/modules/{name}", text("param")).
		HandleFunc("GET", "/modules/special", text("literal")))

	resp := svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/modules/special"})
	assert.Equal(t, "literal", string(resp.Body))
}

func TestDispatch_MethodNotAllowed(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("POST", "/modules/{name}/genid/{genid}/sign", text("sign")).
		HandleFunc("DELETE", "/modules/{name}/genid/{genid}/sign", text("sign")))

	resp := svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/modules/a/genid/1/sign"})
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "DELETE, POST", resp.Header.Get("Allow"))
}

func TestDispatch_ResponseReturnedUnchanged(t *testing.T) {
	want := &Response{
		Status: http.StatusTeapot,
		Header: http.Header{"X-Custom": []string{"1"}},
		Body:   []byte("brew"),
	}
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("PUT", "/pot", func(ctx context.Context, req *Request) (*Response, error) {
			assert.Equal(t, "water", string(req.Body))
			return want, nil
		}))

	got := svc.Dispatch(context.Background(), &Request{Method: "PUT", Path: "/pot", Body: []byte("water")})
	assert.Same(t, want, got)
}

func TestDispatch_HandlerFailures(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("GET", "/error", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, errors.New("disk on fire")
		}).
		HandleFunc("GET", "/panic", func(ctx context.Context, req *Request) (*Response, error) {
			panic("boom")
		}).
		HandleFunc("GET", "/conflict", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, fmt.Errorf("wrapped: %w", NewHTTPError(http.StatusConflict, "already %s", "exists"))
		}).
		HandleFunc("GET", "/empty", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, nil
		}).
		HandleFunc("GET", "/nostatus", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, &HTTPError{Message: "oops"}
		}).
		HandleFunc("GET", "/weird", func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Status: 42}, nil
		}).
		HandleFunc("GET", "/ok", text("ok")))

	ctx := context.Background()

	resp := svc.Dispatch(ctx, &Request{Method: "GET", Path: "/error"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.NotContains(t, string(resp.Body), "disk on fire", "internal errors are not leaked")

	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/panic"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/conflict"})
	assert.Equal(t, http.StatusConflict, resp.Status)
	assert.Contains(t, string(resp.Body), "already exists")

	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/empty"})
	assert.Equal(t, http.StatusNoContent, resp.Status)

	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/nostatus"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/weird"})
	assert.Equal(t, http.StatusInternalServerError, resp.Status)

	for _, path := range []string{"/nostatus", "/weird"} {
		rec := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			svc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
	}

	// The service keeps serving after failures.
	resp = svc.Dispatch(ctx, &Request{Method: "GET", Path: "/ok"})
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestDispatch_Concurrent(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("GET", "/modules/{name}", func(ctx context.Context, req *Request) (*Response, error) {
			time.Sleep(time.Millisecond)
			return &Response{Status: http.StatusOK, Body: []byte(req.Params.Get("name"))}, nil
		}).
		HandleFunc("GET", "/modules/{name}/identity", func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Status: http.StatusOK, Body: []byte("id:" + req.Params.Get("name"))}, nil
		}))

	const n = 100
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("/modules/m%d", i)
			if i%2 == 1 {
				path += "/identity"
			}
			results[i] = string(svc.Dispatch(context.Background(), &Request{Method: "GET", Path: path}).Body)
		}()
	}
	wg.Wait()

	for i, got := range results {
		want := fmt.Sprintf("m%d", i)
		if i%2 == 1 {
			want = "id:" + want
		}
		assert.Equal(t, want, got)
	}
}

func TestDispatch_DoesNotMutateRequest(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().HandleFunc("GET", "/modules/{name}", text("ok")))

	req := &Request{Method: "GET", Path: "/modules/a"}
	svc.Dispatch(context.Background(), req)
	assert.Nil(t, req.Params)
}

func TestBuild_FactoryFailureExposesNoService(t *testing.T) {
	setupErr := errors.New("could not bind key store")
	var cancelled atomic.Bool

	svc, err := newTestBuilder().
		HandleFunc("GET", "/health", text("ok")).
		Handle("POST", "/modules/{name}/sign", func(ctx context.Context) (Handler, error) {
			return nil, setupErr
		}).
		Handle("GET", "/slow", func(ctx context.Context) (Handler, error) {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return text("slow"), nil
			}
		}).
		Build(context.Background())

	require.Error(t, err)
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, setupErr)
	assert.True(t, cancelled.Load(), "remaining factories see cancellation")

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "/modules/{name}/sign", be.Pattern)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		is    error
	}{
		{
			name: "conflict",
			build: func(b *Builder) {
				b.HandleFunc("GET", "/modules/{name}", text("a"))
				b.HandleFunc("GET", "/modules/{id}", text("b"))
			},
			is: route.ErrConflict,
		},
		{
			name: "invalid pattern",
			build: func(b *Builder) {
				b.HandleFunc("GET", "modules", text("a"))
			},
			is: route.ErrInvalidPattern,
		},
		{
			name: "nil handler",
			build: func(b *Builder) {
				b.Handle("GET", "/a", func(context.Context) (Handler, error) { return nil, nil })
			},
			is: errNilHandler,
		},
		{
			name: "panicking factory",
			build: func(b *Builder) {
				b.Handle("GET", "/a", func(context.Context) (Handler, error) { panic("setup exploded") })
			},
		},
		{
			name: "nil factory",
			build: func(b *Builder) {
				b.Handle("GET", "/a", nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder()
			tt.build(b)
			svc, err := b.Build(context.Background())
			assert.Nil(t, svc)
			var be *BuildError
			require.ErrorAs(t, err, &be)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestBuild_ConflictSkipsFactories(t *testing.T) {
	var ran atomic.Bool
	_, err := newTestBuilder().
		Handle("GET", "/a", func(context.Context) (Handler, error) {
			ran.Store(true)
			return text("a"), nil
		}).
		HandleFunc("GET", "/a", text("b")).
		Build(context.Background())

	assert.ErrorIs(t, err, route.ErrConflict)
	assert.False(t, ran.Load())
}

func TestBuild_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc, err := newTestBuilder().HandleFunc("GET", "/a", text("a")).Build(ctx)
	assert.Nil(t, svc)
	assert.ErrorIs(t, err, context.Canceled)
}

type recordedRequest struct {
	method, route string
	status        int
}

type fakeMetrics struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (m *fakeMetrics) RecordRequest(ctx context.Context, method, route string, status int, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, recordedRequest{method, route, status})
}

func TestDispatch_RecordsMetrics(t *testing.T) {
	metrics := &fakeMetrics{}
	svc := mustBuild(t, newTestBuilder(WithMetrics(metrics)).
		HandleFunc("GET", "/modules/{name}", text("ok")))

	svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/modules/a"})
	svc.Dispatch(context.Background(), &Request{Method: "GET", Path: "/nope"})

	assert.Equal(t, []recordedRequest{
		{"GET", "/modules/{name}", http.StatusOK},
		{"GET", unmatchedRoute, http.StatusNotFound},
	}, metrics.requests)
}

func TestServeHTTP(t *testing.T) {
	svc := mustBuild(t, newTestBuilder(WithMaxBodyBytes(16)).
		HandleFunc("POST", "/echo/{word}", func(ctx context.Context, req *Request) (*Response, error) {
			return JSON(http.StatusOK, map[string]string{
				"word": req.Params.Get("word"),
				"body": string(req.Body),
				"q":    req.Query.Get("q"),
			})
		}))

	srv := httptest.NewServer(svc)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/echo/hi%20there?q=1", "text/plain", strings.NewReader("payload"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, httptest.NewRequest("POST", "/echo/x", strings.NewReader(strings.Repeat("a", 17))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	svc.ServeHTTP(rec, httptest.NewRequest("GET", "/echo/x", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	svc.ServeHTTP(rec, httptest.NewRequest("POST", "/echo/a%2Fb", strings.NewReader("")))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"word":"a/b"`)
}

func TestServiceRoutes(t *testing.T) {
	svc := mustBuild(t, newTestBuilder().
		HandleFunc("GET", "/a", text("a")).
		HandleFunc("POST", "/b", text("b")))

	routes := svc.Routes()
	require.Len(t, routes, 2)
	assert.Equal(t, "/a", routes[0].Pattern)
	assert.Equal(t, "POST", routes[1].Method)
}
