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

// Package module defines the supervised module model and the runtime and
// identity capabilities edged consumes.
package module

import (
	"context"
	"fmt"
	"maps"
	"time"

	edgederrors "github.com/tombee/edged/pkg/errors"
)

// RestartPolicy controls when a supervised module is brought back up.
type RestartPolicy string

const (
	// RestartAlways restarts stopped modules and recreates failed ones.
	RestartAlways RestartPolicy = "always"
	// RestartOnFailure recreates failed modules but leaves stopped ones alone.
	RestartOnFailure RestartPolicy = "on-failure"
	// RestartNever only creates a module that does not exist yet.
	RestartNever RestartPolicy = "never"
)

// Valid reports whether p is a known policy. The empty policy is treated as
// RestartAlways.
func (p RestartPolicy) Valid() bool {
	switch p {
	case "", RestartAlways, RestartOnFailure, RestartNever:
		return true
	}
	return false
}

// Spec is the declarative description of a module.
type Spec struct {
	Name          string         `yaml:"name" json:"name"`
	Image         string         `yaml:"image" json:"image"`
	Config        map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	RestartPolicy RestartPolicy  `yaml:"restart_policy,omitempty" json:"restart_policy,omitempty"`
}

// Validate checks the fields the watchdog relies on.
func (s Spec) Validate() error {
	if s.Name == "" {
		return &edgederrors.ValidationError{Field: "spec.name", Message: "must not be empty"}
	}
	if s.Image == "" {
		return &edgederrors.ValidationError{Field: "spec.image", Message: "must not be empty"}
	}
	if !s.RestartPolicy.Valid() {
		return &edgederrors.ValidationError{
			Field:   "spec.restart_policy",
			Message: fmt.Sprintf("unknown policy %q", s.RestartPolicy),
		}
	}
	return nil
}

// Policy returns the effective restart policy.
func (s Spec) Policy() RestartPolicy {
	if s.RestartPolicy == "" {
		return RestartAlways
	}
	return s.RestartPolicy
}

// Clone returns a deep copy of s so holders can treat it as immutable.
func (s Spec) Clone() Spec {
	s.Config = cloneMap(s.Config)
	return s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return cloneMap(tv)
	case []any:
		if tv == nil {
			return tv
		}
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether two specs describe the same module.
func (s Spec) Equal(o Spec) bool {
	if s.Name != o.Name || s.Image != o.Image || s.Policy() != o.Policy() {
		return false
	}
	return maps.EqualFunc(s.Config, o.Config, func(a, b any) bool {
		return fmt.Sprint(a) == fmt.Sprint(b)
	})
}

// State is the lifecycle state reported by a runtime.
type State string

const (
	StateNotFound State = "not_found"
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a runtime's view of a module at one point in time.
type Status struct {
	State State `json:"state"`
	// Reason explains a Failed state. Empty otherwise.
	Reason string `json:"reason,omitempty"`
}

// Module is a module known to a runtime.
type Module struct {
	ID        string    `json:"id"`
	Spec      Spec      `json:"spec"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Runtime is the set of lifecycle operations a module backend provides.
// Get reports StateNotFound rather than an error for unknown modules.
// Start, Stop and Remove return an error wrapping *errors.NotFoundError for
// unknown modules.
type Runtime interface {
	Get(ctx context.Context, id string) (Status, error)
	Create(ctx context.Context, spec Spec) (Module, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Module, error)
}

// Identity is the credential material a module authenticates with.
type Identity struct {
	ModuleID     string    `json:"module_id"`
	GenerationID string    `json:"generation_id"`
	ManagedBy    string    `json:"managed_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdentityManager obtains module identities.
type IdentityManager interface {
	// GetOrCreate returns the module's identity, creating one when needed.
	GetOrCreate(ctx context.Context, moduleID string) (Identity, error)
	// Get returns an existing identity or an error wrapping *errors.NotFoundError.
	Get(ctx context.Context, moduleID string) (Identity, error)
}

// Signer produces digests with a module identity's key.
type Signer interface {
	Sign(ctx context.Context, moduleID, generationID, keyID string, data []byte) ([]byte, error)
}
