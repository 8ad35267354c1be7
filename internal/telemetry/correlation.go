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

package telemetry

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tombee/edged/internal/httputil"
)

// CorrelationID identifies one workload request across log lines.
// It uses RFC 4122 UUID format.
type CorrelationID string

type correlationKeyType struct{}

var correlationKey = correlationKeyType{}

// HTTP header names for correlation ID propagation.
const (
	// HeaderCorrelationID is the primary header for correlation ID.
	HeaderCorrelationID = "X-Correlation-ID"
	// HeaderRequestID is an alternative header accepted for compatibility.
	HeaderRequestID = "X-Request-ID"
)

// NewCorrelationID generates a new unique correlation ID.
func NewCorrelationID() CorrelationID {
	return CorrelationID(uuid.NewString())
}

func (c CorrelationID) String() string {
	return string(c)
}

// IsValid reports whether c is a UUID.
func (c CorrelationID) IsValid() bool {
	return uuid.Validate(string(c)) == nil && len(c) == 36
}

// ToContext adds the correlation ID to the context.
func ToContext(ctx context.Context, id CorrelationID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// FromContext returns the correlation ID stored in ctx, or "".
func FromContext(ctx context.Context) CorrelationID {
	id, _ := ctx.Value(correlationKey).(CorrelationID)
	return id
}

// RequestCorrelationID returns the correlation ID attached to r by
// CorrelationMiddleware.
func RequestCorrelationID(r *http.Request) string {
	return FromContext(r.Context()).String()
}

// ExtractFromRequest reads X-Correlation-ID, falling back to X-Request-ID.
func ExtractFromRequest(r *http.Request) (CorrelationID, bool) {
	if id := r.Header.Get(HeaderCorrelationID); id != "" {
		return CorrelationID(id), true
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		return CorrelationID(id), true
	}
	return "", false
}

// CorrelationMiddleware attaches a correlation ID to each request. A client
// supplied ID must be a UUID or the request is rejected with 400. The ID is
// echoed in the X-Correlation-ID response header.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, found := ExtractFromRequest(r)
		if found && !id.IsValid() {
			httputil.WriteError(w, http.StatusBadRequest, "invalid X-Correlation-ID format: must be UUID")
			return
		}
		if !found {
			id = NewCorrelationID()
		}

		w.Header().Set(HeaderCorrelationID, id.String())
		next.ServeHTTP(w, r.WithContext(ToContext(r.Context(), id)))
	})
}
