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

// Package memory provides in-memory module runtime and identity
// implementations for development mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// Runtime is an in-memory module.Runtime. Module IDs are spec names.
type Runtime struct {
	mu      sync.RWMutex
	modules map[string]*module.Module
}

// NewRuntime creates an empty runtime.
func NewRuntime() *Runtime {
	return &Runtime{
		modules: make(map[string]*module.Module),
	}
}

// Get returns the module's status, or StateNotFound.
func (r *Runtime) Get(ctx context.Context, id string) (module.Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[id]
	if !ok {
		return module.Status{State: module.StateNotFound}, nil
	}
	return m.Status, nil
}

// Create registers a module in the Created state.
func (r *Runtime) Create(ctx context.Context, spec module.Spec) (module.Module, error) {
	if err := spec.Validate(); err != nil {
		return module.Module{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[spec.Name]; exists {
		return module.Module{}, fmt.Errorf("module %s already exists", spec.Name)
	}

	m := &module.Module{
		ID:        spec.Name,
		Spec:      spec.Clone(),
		Status:    module.Status{State: module.StateCreated},
		CreatedAt: time.Now(),
	}
	r.modules[spec.Name] = m
	return *m, nil
}

// Start moves a module to Running.
func (r *Runtime) Start(ctx context.Context, id string) error {
	return r.transition(id, module.Status{State: module.StateRunning})
}

// Stop moves a module to Stopped.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	return r.transition(id, module.Status{State: module.StateStopped})
}

// Fail marks a module as crashed with the given reason.
func (r *Runtime) Fail(id, reason string) error {
	return r.transition(id, module.Status{State: module.StateFailed, Reason: reason})
}

// Remove deletes a module.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[id]; !ok {
		return &edgederrors.NotFoundError{Resource: "module", ID: id}
	}
	delete(r.modules, id)
	return nil
}

// List returns all modules ordered by ID.
func (r *Runtime) List(ctx context.Context) ([]module.Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]module.Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Runtime) transition(id string, status module.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.modules[id]
	if !ok {
		return &edgederrors.NotFoundError{Resource: "module", ID: id}
	}
	m.Status = status
	return nil
}

var _ module.Runtime = (*Runtime)(nil)
