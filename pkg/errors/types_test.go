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

package errors_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	edgederrors "github.com/tombee/edged/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *edgederrors.ValidationError
		want string
	}{
		{
			name: "with field",
			err:  &edgederrors.ValidationError{Field: "spec.image", Message: "must not be empty"},
			want: "validation failed on spec.image: must not be empty",
		},
		{
			name: "without field",
			err:  &edgederrors.ValidationError{Message: "bad body"},
			want: "validation failed: bad body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &edgederrors.NotFoundError{Resource: "module", ID: "edgeAgent"}
	if got := err.Error(); got != "module not found: edgeAgent" {
		t.Errorf("Error() = %q", got)
	}
}

func TestConfigError(t *testing.T) {
	cause := errors.New("no such file")
	err := &edgederrors.ConfigError{Key: "config_file", Reason: "failed to load", Cause: cause}

	msg := err.Error()
	if !strings.Contains(msg, "config_file") || !strings.Contains(msg, "no such file") {
		t.Errorf("Error() = %q, want key and cause", msg)
	}
	if !errors.Is(err, cause) {
		t.Error("ConfigError should unwrap to its cause")
	}

	noKey := &edgederrors.ConfigError{Reason: "invalid"}
	if got := noKey.Error(); got != "config error: invalid" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTimeoutError(t *testing.T) {
	cause := errors.New("deadline exceeded")
	err := &edgederrors.TimeoutError{Operation: "server shutdown", Duration: 2 * time.Second, Cause: cause}

	if got := err.Error(); got != "server shutdown timed out after 2s" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("TimeoutError should unwrap to its cause")
	}
}

func TestWrap(t *testing.T) {
	if edgederrors.Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should return nil")
	}
	if edgederrors.Wrapf(nil, "ctx %d", 1) != nil {
		t.Error("Wrapf(nil) should return nil")
	}

	root := errors.New("root cause")
	wrapped := edgederrors.Wrapf(root, "starting module %s", "edgeAgent")
	if wrapped.Error() != "starting module edgeAgent: root cause" {
		t.Errorf("Wrapf() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, root) {
		t.Error("wrapped error should match root with errors.Is")
	}
}

func TestIsNotFound(t *testing.T) {
	nf := &edgederrors.NotFoundError{Resource: "identity", ID: "m1"}
	if !edgederrors.IsNotFound(fmt.Errorf("lookup: %w", nf)) {
		t.Error("IsNotFound should see through wrapping")
	}
	if edgederrors.IsNotFound(errors.New("other")) {
		t.Error("IsNotFound should be false for unrelated errors")
	}
}
