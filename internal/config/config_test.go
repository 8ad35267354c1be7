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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tombee/edged/internal/module"
	edgederrors "github.com/tombee/edged/pkg/errors"
)

// clearEnv isolates a test from EDGED_* variables in the caller's shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EDGED_MODULE_ID", "EDGED_POLL_INTERVAL", "EDGED_MAX_RETRIES",
		"EDGED_SOCKET", "EDGED_TCP_ADDR", "EDGED_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	clearEnv(t)
	cfg := Default()

	if cfg.Watchdog.ModuleID != "edgeAgent" {
		t.Errorf("expected module id edgeAgent, got %q", cfg.Watchdog.ModuleID)
	}
	if cfg.Watchdog.Spec.Name != "edgeAgent" {
		t.Errorf("expected spec name to follow module id, got %q", cfg.Watchdog.Spec.Name)
	}
	if cfg.Watchdog.PollInterval != 5*time.Second {
		t.Errorf("expected poll interval 5s, got %v", cfg.Watchdog.PollInterval)
	}
	if cfg.Watchdog.MaxRetries != 0 {
		t.Errorf("expected unlimited retries, got %d", cfg.Watchdog.MaxRetries)
	}
	if cfg.Watchdog.Spec.RestartPolicy != module.RestartAlways {
		t.Errorf("expected restart policy always, got %q", cfg.Watchdog.Spec.RestartPolicy)
	}
	if cfg.Workload.SocketPath != "/run/user/1000/edged/workload.sock" {
		t.Errorf("unexpected socket path %q", cfg.Workload.SocketPath)
	}
	if cfg.Workload.MaxBodyBytes != 1<<20 {
		t.Errorf("expected max body 1MiB, got %d", cfg.Workload.MaxBodyBytes)
	}
	if cfg.Daemon.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected shutdown timeout 10s, got %v", cfg.Daemon.ShutdownTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Runtime.Type != RuntimeMemory {
		t.Errorf("expected runtime %q, got %q", RuntimeMemory, cfg.Runtime.Type)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
watchdog:
  module_id: edgeHub
  poll_interval: 250ms
  max_retries: 3
  spec:
    image: edge-hub:2
    restart_policy: on-failure
workload:
  tcp_addr: 127.0.0.1:15580
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Watchdog.ModuleID != "edgeHub" || cfg.Watchdog.Spec.Name != "edgeHub" {
		t.Errorf("expected module edgeHub, got id=%q name=%q", cfg.Watchdog.ModuleID, cfg.Watchdog.Spec.Name)
	}
	if cfg.Watchdog.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %v", cfg.Watchdog.PollInterval)
	}
	if cfg.Watchdog.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Watchdog.MaxRetries)
	}
	if cfg.Watchdog.Spec.Image != "edge-hub:2" {
		t.Errorf("expected image edge-hub:2, got %q", cfg.Watchdog.Spec.Image)
	}
	if cfg.Watchdog.Spec.RestartPolicy != module.RestartOnFailure {
		t.Errorf("expected on-failure, got %q", cfg.Watchdog.Spec.RestartPolicy)
	}
	if cfg.Workload.TCPAddr != "127.0.0.1:15580" {
		t.Errorf("unexpected tcp addr %q", cfg.Workload.TCPAddr)
	}
	// Untouched sections keep their defaults.
	if cfg.Workload.RateLimit.Burst != 20 {
		t.Errorf("expected default burst 20, got %d", cfg.Workload.RateLimit.Burst)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Log.Level)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "watchdog:\n  module_id: fromFile\n")

	t.Setenv("EDGED_MODULE_ID", "fromEnv")
	t.Setenv("EDGED_POLL_INTERVAL", "2s")
	t.Setenv("EDGED_MAX_RETRIES", "7")
	t.Setenv("EDGED_SOCKET", "/tmp/custom.sock")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Watchdog.ModuleID != "fromEnv" || cfg.Watchdog.Spec.Name != "fromEnv" {
		t.Errorf("expected module fromEnv, got id=%q name=%q", cfg.Watchdog.ModuleID, cfg.Watchdog.Spec.Name)
	}
	if cfg.Watchdog.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", cfg.Watchdog.PollInterval)
	}
	if cfg.Watchdog.MaxRetries != 7 {
		t.Errorf("expected max retries 7, got %d", cfg.Watchdog.MaxRetries)
	}
	if cfg.Workload.SocketPath != "/tmp/custom.sock" {
		t.Errorf("unexpected socket path %q", cfg.Workload.SocketPath)
	}
}

func TestLoad_InvalidEnvIgnored(t *testing.T) {
	clearEnv(t)
	t.Setenv("EDGED_POLL_INTERVAL", "soon")
	t.Setenv("EDGED_MAX_RETRIES", "many")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Watchdog.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.Watchdog.PollInterval)
	}
	if cfg.Watchdog.MaxRetries != 0 {
		t.Errorf("expected default max retries, got %d", cfg.Watchdog.MaxRetries)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		path    string
		wantKey string
	}{
		{"missing file", filepath.Join(t.TempDir(), "absent.yaml"), "config_file"},
		{"bad yaml", writeConfig(t, "watchdog: [unclosed"), "config_file"},
		{"invalid values", writeConfig(t, "watchdog:\n  poll_interval: -1s\n"), "validation"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.path)
			if err == nil {
				t.Fatal("Load() should fail")
			}
			var cfgErr *edgederrors.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %T", err)
			}
			if cfgErr.Key != tt.wantKey {
				t.Errorf("expected key %q, got %q", tt.wantKey, cfgErr.Key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		modify  func(*Config)
		errText string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			errText: "log.level",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			errText: "log.format",
		},
		{
			name:    "unsupported runtime",
			modify:  func(c *Config) { c.Runtime.Type = "docker" },
			errText: "runtime.type",
		},
		{
			name:    "missing module id",
			modify:  func(c *Config) { c.Watchdog.ModuleID = "" },
			errText: "watchdog.module_id is required",
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Watchdog.PollInterval = 0 },
			errText: "watchdog.poll_interval",
		},
		{
			name:    "negative max retries",
			modify:  func(c *Config) { c.Watchdog.MaxRetries = -1 },
			errText: "watchdog.max_retries",
		},
		{
			name:    "missing image",
			modify:  func(c *Config) { c.Watchdog.Spec.Image = "" },
			errText: "watchdog.spec.image",
		},
		{
			name:    "spec name mismatch",
			modify:  func(c *Config) { c.Watchdog.Spec.Name = "other" },
			errText: "must match watchdog.module_id",
		},
		{
			name:    "half a key pair",
			modify:  func(c *Config) { c.Workload.TCPAddr = "127.0.0.1:1"; c.Workload.TLSCert = "cert.pem" },
			errText: "must be set together",
		},
		{
			name:    "non-positive body limit",
			modify:  func(c *Config) { c.Workload.MaxBodyBytes = 0 },
			errText: "workload.max_body_bytes",
		},
		{
			name: "rate limit without rate",
			modify: func(c *Config) {
				c.Workload.RateLimit.Enabled = true
				c.Workload.RateLimit.RequestsPerSecond = 0
			},
			errText: "requests_per_second",
		},
		{
			name:    "sampling rate out of range",
			modify:  func(c *Config) { c.Observability.SamplingRate = 1.5 },
			errText: "observability.sampling_rate",
		},
		{
			name: "unknown exporter",
			modify: func(c *Config) {
				c.Observability.Exporters = []ExporterConfig{{Type: "zipkin"}}
			},
			errText: "exporters[0].type",
		},
		{
			name: "otlp without endpoint",
			modify: func(c *Config) {
				c.Observability.Exporters = []ExporterConfig{{Type: "otlp"}}
			},
			errText: "exporters[0].endpoint",
		},
		{
			name:    "zero shutdown timeout",
			modify:  func(c *Config) { c.Daemon.ShutdownTimeout = 0 },
			errText: "daemon.shutdown_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()

			if tt.errText == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("expected error containing %q, got %q", tt.errText, err.Error())
			}
		})
	}
}

func TestSetModuleID(t *testing.T) {
	clearEnv(t)

	cfg := Default()
	cfg.SetModuleID("edgeHub")
	if cfg.Watchdog.Spec.Name != "edgeHub" {
		t.Errorf("spec name should follow module id, got %q", cfg.Watchdog.Spec.Name)
	}

	cfg.Watchdog.Spec.Name = "pinned"
	cfg.SetModuleID("other")
	if cfg.Watchdog.Spec.Name != "pinned" {
		t.Errorf("explicit spec name should be kept, got %q", cfg.Watchdog.Spec.Name)
	}
}

func TestConfigPath_XDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/etc/xdg-test")
	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath() error = %v", err)
	}
	if path != "/etc/xdg-test/edged/config.yaml" {
		t.Errorf("unexpected config path %q", path)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if got := Discover(); got != "" {
		t.Errorf("expected no config, got %q", got)
	}

	if err := os.MkdirAll(filepath.Join(dir, "edged"), 0700); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(dir, "edged", "config.yaml")
	if err := os.WriteFile(want, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := Discover(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
