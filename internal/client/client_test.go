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

package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/listener"
	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/module"
	"github.com/tombee/edged/internal/module/memory"
	"github.com/tombee/edged/internal/workload"
)

type fixture struct {
	runtime  *memory.Runtime
	identity *memory.IdentityManager
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rt := memory.NewRuntime()
	im := memory.NewIdentityManager("edged")
	api := workload.API{
		Runtime:  rt,
		Identity: im,
		Signer:   im,
		Version:  workload.VersionInfo{Version: "1.0.0"},
	}
	svc, err := api.Register(workload.NewBuilder(workload.WithLogger(log.Discard()))).Build(context.Background())
	require.NoError(t, err)
	return &fixture{runtime: rt, identity: im, handler: svc}
}

func (f *fixture) client(t *testing.T) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	return New(config.WorkloadConfig{}, WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestClient_HealthAndVersion(t *testing.T) {
	c := newFixture(t).client(t)
	ctx := context.Background()

	require.NoError(t, c.Health(ctx))

	v, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", v.Version)
}

func TestClient_Modules(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	ctx := context.Background()

	mods, err := c.Modules(ctx)
	require.NoError(t, err)
	assert.Empty(t, mods)

	_, err = f.runtime.Create(ctx, module.Spec{Name: "edgeAgent", Image: "agent:1"})
	require.NoError(t, err)

	mods, err = c.Modules(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "edgeAgent", mods[0].ID)

	st, err := c.Module(ctx, "edgeAgent")
	require.NoError(t, err)
	assert.Equal(t, module.StateCreated, st.Status.State)
}

func TestClient_IdentityAndSign(t *testing.T) {
	f := newFixture(t)
	c := f.client(t)
	ctx := context.Background()

	_, err := c.Identity(ctx, "edgeAgent")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.NotEmpty(t, apiErr.Message)

	id, err := f.identity.GetOrCreate(ctx, "edgeAgent")
	require.NoError(t, err)

	got, err := c.Identity(ctx, "edgeAgent")
	require.NoError(t, err)
	assert.Equal(t, id.GenerationID, got.GenerationID)

	digest, err := c.Sign(ctx, "edgeAgent", id.GenerationID, memory.KeyPrimary, []byte("payload"))
	require.NoError(t, err)
	want, err := f.identity.Sign(ctx, "edgeAgent", id.GenerationID, memory.KeyPrimary, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, want, digest)
}

func TestClient_UnixSocket(t *testing.T) {
	f := newFixture(t)
	dir, err := os.MkdirTemp("/tmp", "edged-c-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.WorkloadConfig{SocketPath: filepath.Join(dir, "w.sock")}
	ln, err := listener.New(cfg)
	require.NoError(t, err)
	srv := &http.Server{Handler: f.handler}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { srv.Close() })

	assert.NoError(t, New(cfg).Health(context.Background()))
}

func TestClient_Unreachable(t *testing.T) {
	c := New(config.WorkloadConfig{SocketPath: filepath.Join(t.TempDir(), "absent.sock")})
	err := c.Health(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}
