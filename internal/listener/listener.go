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

// Package listener opens the workload API's Unix socket or TCP listener.
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/tombee/edged/internal/config"
)

// New creates a listener for the workload API.
// Priority: TCP (if configured) > Unix socket (default)
func New(cfg config.WorkloadConfig) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		return newTCPListener(cfg)
	}
	return newUnixListener(cfg.SocketPath)
}

// newUnixListener creates a Unix socket readable by the owner only.
func newUnixListener(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, fmt.Errorf("no socket path configured")
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// A stale socket from an unclean exit would make Listen fail.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove existing socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on Unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// newTCPListener creates a TCP listener, with optional TLS.
func newTCPListener(cfg config.WorkloadConfig) (net.Listener, error) {
	if !cfg.AllowRemote && IsRemoteAddr(cfg.TCPAddr) {
		return nil, fmt.Errorf(
			"binding to %s exposes the workload API to the network.\n"+
				"Any host that can reach it can request module identity material.\n\n"+
				"If you understand the risks, use: --allow-remote",
			cfg.TCPAddr,
		)
	}

	var tlsConfig *tls.Config
	if cfg.TLSCert != "" || cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on TCP: %w", err)
	}
	if tlsConfig != nil {
		return tls.NewListener(ln, tlsConfig), nil
	}
	return ln, nil
}

// IsRemoteAddr returns true if the address binds to non-localhost interfaces.
func IsRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		if strings.HasPrefix(addr, ":") {
			host = ""
		}
	}

	switch host {
	case "", "0.0.0.0", "::":
		return true
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}
