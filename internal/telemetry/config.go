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

// Exporter types accepted in ExporterConfig.Type.
const (
	ExporterOTLP     = "otlp"
	ExporterOTLPHTTP = "otlp-http"
	ExporterConsole  = "console"
)

// Config holds observability configuration.
type Config struct {
	// Enabled controls whether traces are exported and /metrics is served.
	Enabled bool

	// ServiceName identifies this daemon in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// SamplingRate is the fraction of root traces to sample (0.0 - 1.0).
	SamplingRate float64

	// Exporters configures trace export destinations.
	Exporters []ExporterConfig
}

// ExporterConfig defines a trace export destination.
type ExporterConfig struct {
	// Type is "otlp", "otlp-http", or "console".
	Type string

	// Endpoint is the receiver address. Unused for console.
	Endpoint string

	// Insecure disables TLS (for development only).
	Insecure bool

	// Headers are sent with each export request.
	Headers map[string]string
}

// DefaultConfig returns the disabled configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "edged",
		ServiceVersion: "unknown",
		SamplingRate:   1.0,
	}
}
