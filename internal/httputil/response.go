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

// Package httputil holds the JSON response helpers shared by edged's HTTP
// surfaces.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ContentTypeJSON is the content type of every JSON body edged writes.
const ContentTypeJSON = "application/json"

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a JSON error response with the given status code and message.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorDocument{Message: message})
}

// ErrorDocument is the body of every error response.
type ErrorDocument struct {
	Message string `json:"message"`
}

// ErrorBody returns the encoded ErrorDocument for message.
func ErrorBody(message string) []byte {
	b, _ := json.Marshal(ErrorDocument{Message: message})
	return append(b, '\n')
}
