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

// Package config loads edged's settings from the built-in defaults, an
// optional YAML file and the environment, in that order of precedence.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/edged/internal/log"
	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// RuntimeMemory selects the in-memory module runtime.
const RuntimeMemory = "memory"

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config represents the complete edged configuration.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Workload      WorkloadConfig      `yaml:"workload"`
	Observability ObservabilityConfig `yaml:"observability"`
	Daemon        DaemonConfig        `yaml:"daemon"`
}

// LogConfig configures logging. An empty format picks text on a terminal
// and JSON otherwise.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// RuntimeConfig selects the module runtime backend.
type RuntimeConfig struct {
	Type string `yaml:"type"`
}

// WatchdogConfig describes the supervised module.
type WatchdogConfig struct {
	ModuleID     string        `yaml:"module_id"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxRetries is the consecutive failure limit. Zero retries forever.
	MaxRetries int         `yaml:"max_retries"`
	Spec       module.Spec `yaml:"spec"`
}

// WorkloadConfig configures the workload API listener.
type WorkloadConfig struct {
	SocketPath   string          `yaml:"socket_path"`
	TCPAddr      string          `yaml:"tcp_addr"`
	AllowRemote  bool            `yaml:"allow_remote"`
	TLSCert      string          `yaml:"tls_cert"`
	TLSKey       string          `yaml:"tls_key"`
	MaxBodyBytes int64           `yaml:"max_body_bytes"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Enabled      bool             `yaml:"enabled"`
	ServiceName  string           `yaml:"service_name"`
	SamplingRate float64          `yaml:"sampling_rate"`
	Exporters    []ExporterConfig `yaml:"exporters"`
}

// ExporterConfig defines a trace export destination.
type ExporterConfig struct {
	// Type is "otlp", "otlp-http", or "console".
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

// DaemonConfig configures process-level behaviour.
type DaemonConfig struct {
	PIDFile         string        `yaml:"pid_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WatchConfig restarts supervision when the config file's module
	// settings change.
	WatchConfig bool `yaml:"watch_config"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from an optional YAML file and environment
// variables. Environment variables take precedence over the file.
// If configPath is empty, only the built-in defaults and environment are used.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, &edgederrors.ConfigError{Key: "defaults", Reason: "embedded defaults are invalid", Cause: err}
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &edgederrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &edgederrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in values that depend on other settings or the
// environment.
func (c *Config) applyDefaults() {
	if c.Watchdog.Spec.Name == "" {
		c.Watchdog.Spec.Name = c.Watchdog.ModuleID
	}
	if c.Watchdog.Spec.RestartPolicy == "" {
		c.Watchdog.Spec.RestartPolicy = module.RestartAlways
	}
	if c.Workload.SocketPath == "" {
		c.Workload.SocketPath = defaultSocketPath()
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "edged"
	}
}

// loadFromFile merges a YAML file over the current values.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return edgederrors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return edgederrors.Wrap(err, "failed to read config file")
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return edgederrors.Wrapf(err, "failed to parse YAML in %s", filepath.Base(path))
	}
	return nil
}

// loadFromEnv applies environment variable overrides. Unparseable values
// are ignored.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("EDGED_MODULE_ID"); val != "" {
		c.SetModuleID(val)
	}
	if val := os.Getenv("EDGED_POLL_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Watchdog.PollInterval = d
		}
	}
	if val := os.Getenv("EDGED_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Watchdog.MaxRetries = n
		}
	}
	if val := os.Getenv("EDGED_SOCKET"); val != "" {
		c.Workload.SocketPath = val
	}
	if val := os.Getenv("EDGED_TCP_ADDR"); val != "" {
		c.Workload.TCPAddr = val
	}
	if val := os.Getenv("EDGED_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
}

// SetModuleID changes the supervised module ID. A spec name that followed
// the old ID follows the new one.
func (c *Config) SetModuleID(id string) {
	if c.Watchdog.Spec.Name == c.Watchdog.ModuleID {
		c.Watchdog.Spec.Name = id
	}
	c.Watchdog.ModuleID = id
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if !log.ValidLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", string(log.FormatJSON), string(log.FormatText):
	default:
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Runtime.Type != RuntimeMemory {
		errs = append(errs, fmt.Sprintf("runtime.type must be %q, got %q", RuntimeMemory, c.Runtime.Type))
	}

	w := c.Watchdog
	if w.ModuleID == "" {
		errs = append(errs, "watchdog.module_id is required")
	}
	if w.PollInterval <= 0 {
		errs = append(errs, fmt.Sprintf("watchdog.poll_interval must be positive, got %v", w.PollInterval))
	}
	if w.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("watchdog.max_retries must not be negative, got %d", w.MaxRetries))
	}
	if err := w.Spec.Validate(); err != nil {
		errs = append(errs, "watchdog."+strings.TrimPrefix(err.Error(), "validation failed on "))
	}
	if w.Spec.Name != "" && w.ModuleID != "" && w.Spec.Name != w.ModuleID {
		errs = append(errs, fmt.Sprintf("watchdog.spec.name %q must match watchdog.module_id %q", w.Spec.Name, w.ModuleID))
	}

	wl := c.Workload
	if wl.TCPAddr == "" && wl.SocketPath == "" {
		errs = append(errs, "workload.socket_path or workload.tcp_addr is required")
	}
	if (wl.TLSCert == "") != (wl.TLSKey == "") {
		errs = append(errs, "workload.tls_cert and workload.tls_key must be set together")
	}
	if wl.TLSCert != "" && wl.TCPAddr == "" {
		errs = append(errs, "workload.tls_cert requires workload.tcp_addr")
	}
	if wl.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Sprintf("workload.max_body_bytes must be positive, got %d", wl.MaxBodyBytes))
	}
	if wl.RateLimit.Enabled {
		if wl.RateLimit.RequestsPerSecond <= 0 {
			errs = append(errs, fmt.Sprintf("workload.rate_limit.requests_per_second must be positive, got %v", wl.RateLimit.RequestsPerSecond))
		}
		if wl.RateLimit.Burst <= 0 {
			errs = append(errs, fmt.Sprintf("workload.rate_limit.burst must be positive, got %d", wl.RateLimit.Burst))
		}
	}

	o := c.Observability
	if o.SamplingRate < 0 || o.SamplingRate > 1 {
		errs = append(errs, fmt.Sprintf("observability.sampling_rate must be between 0 and 1, got %v", o.SamplingRate))
	}
	for i, e := range o.Exporters {
		switch e.Type {
		case "otlp", "otlp-http":
			if e.Endpoint == "" {
				errs = append(errs, fmt.Sprintf("observability.exporters[%d].endpoint is required for %s", i, e.Type))
			}
		case "console":
		default:
			errs = append(errs, fmt.Sprintf("observability.exporters[%d].type must be one of [otlp, otlp-http, console], got %q", i, e.Type))
		}
	}

	if c.Daemon.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("daemon.shutdown_timeout must be positive, got %v", c.Daemon.ShutdownTimeout))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}
