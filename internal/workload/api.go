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
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// SignAlgorithm is the only digest algorithm the sign route accepts.
const SignAlgorithm = "HMACSHA256"

// VersionInfo is served by GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// API holds the collaborators behind the workload routes.
type API struct {
	Runtime  module.Runtime
	Identity module.IdentityManager
	Signer   module.Signer
	Version  VersionInfo
}

// SignRequest is the body of a sign request.
type SignRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	// Data is base64 encoded.
	Data string `json:"data"`
}

// SignResponse carries the base64 encoded digest.
type SignResponse struct {
	Digest string `json:"digest"`
}

// ModuleStatus is served by GET /modules/{name}.
type ModuleStatus struct {
	Name   string        `json:"name"`
	Status module.Status `json:"status"`
}

// Register adds the workload routes to b. Routes whose collaborator is
// missing fail at Build.
func (a API) Register(b *Builder) *Builder {
	b.HandleFunc(http.MethodGet, "/health", a.health)
	b.HandleFunc(http.MethodGet, "/version", a.version)
	b.Handle(http.MethodGet, "/modules", a.requireRuntime(a.listModules))
	b.Handle(http.MethodGet, "/modules/{name}", a.requireRuntime(a.getModule))
	b.Handle(http.MethodGet, "/modules/{name}/identity", func(context.Context) (Handler, error) {
		if a.Identity == nil {
			return nil, errors.New("identity manager not configured")
		}
		return HandlerFunc(a.getIdentity), nil
	})
	b.Handle(http.MethodPost, "/modules/{name}/genid/{genid}/sign", func(context.Context) (Handler, error) {
		if a.Signer == nil {
			return nil, errors.New("signer not configured")
		}
		return HandlerFunc(a.sign), nil
	})
	return b
}

func (a API) requireRuntime(h HandlerFunc) HandlerFactory {
	return func(context.Context) (Handler, error) {
		if a.Runtime == nil {
			return nil, errors.New("module runtime not configured")
		}
		return h, nil
	}
}

func (a API) health(ctx context.Context, req *Request) (*Response, error) {
	return JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a API) version(ctx context.Context, req *Request) (*Response, error) {
	return JSON(http.StatusOK, a.Version)
}

func (a API) listModules(ctx context.Context, req *Request) (*Response, error) {
	modules, err := a.Runtime.List(ctx)
	if err != nil {
		return nil, err
	}
	if modules == nil {
		modules = []module.Module{}
	}
	return JSON(http.StatusOK, map[string]any{"modules": modules})
}

func (a API) getModule(ctx context.Context, req *Request) (*Response, error) {
	name := req.Params.Get("name")
	status, err := a.Runtime.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if status.State == module.StateNotFound {
		return nil, NewHTTPError(http.StatusNotFound, "module %s not found", name)
	}
	return JSON(http.StatusOK, ModuleStatus{Name: name, Status: status})
}

func (a API) getIdentity(ctx context.Context, req *Request) (*Response, error) {
	name := req.Params.Get("name")
	identity, err := a.Identity.Get(ctx, name)
	if err != nil {
		if edgederrors.IsNotFound(err) {
			return nil, &HTTPError{Status: http.StatusNotFound, Message: "identity not found for module " + name, Err: err}
		}
		return nil, err
	}
	return JSON(http.StatusOK, identity)
}

func (a API) sign(ctx context.Context, req *Request) (*Response, error) {
	var body SignRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, &HTTPError{Status: http.StatusBadRequest, Message: "invalid JSON in request body", Err: err}
	}
	if body.KeyID == "" {
		return nil, NewHTTPError(http.StatusBadRequest, "keyId is required")
	}
	if body.Algo != SignAlgorithm {
		return nil, NewHTTPError(http.StatusBadRequest, "unsupported algo %q", body.Algo)
	}
	data, err := base64.StdEncoding.DecodeString(body.Data)
	if err != nil {
		return nil, &HTTPError{Status: http.StatusBadRequest, Message: "data must be base64 encoded", Err: err}
	}

	digest, err := a.Signer.Sign(ctx, req.Params.Get("name"), req.Params.Get("genid"), body.KeyID, data)
	if err != nil {
		var ve *edgederrors.ValidationError
		switch {
		case edgederrors.IsNotFound(err):
			return nil, &HTTPError{Status: http.StatusNotFound, Message: "identity not found", Err: err}
		case errors.As(err, &ve):
			return nil, &HTTPError{Status: http.StatusBadRequest, Message: ve.Error(), Err: err}
		}
		return nil, err
	}

	return JSON(http.StatusOK, SignResponse{Digest: base64.StdEncoding.EncodeToString(digest)})
}
