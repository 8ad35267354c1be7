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

package watchdog

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned when RunUntil is called on a watchdog
	// whose loop is already active.
	ErrAlreadyRunning = errors.New("watchdog: already running")

	// ErrRetriesExhausted matches any *RetriesExhaustedError via errors.Is.
	ErrRetriesExhausted = errors.New("watchdog: retries exhausted")

	// errShutdown is used internally to unwind a reconcile pass when the
	// shutdown signal is observed between steps.
	errShutdown = errors.New("watchdog: shutdown observed")
)

// RetriesExhaustedError is the terminal error of a watchdog that hit its
// consecutive failure limit.
type RetriesExhaustedError struct {
	ModuleID string
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("watchdog for module %s gave up after %d consecutive failures: %v", e.ModuleID, e.Attempts, e.Last)
}

// Unwrap returns the last failure.
func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// Is makes errors.Is(err, ErrRetriesExhausted) true.
func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}
