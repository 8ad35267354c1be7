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

// Package status implements the edged status command.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/edged/internal/client"
	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/module"
	"github.com/tombee/edged/internal/workload"
)

// Report is the JSON form of the status output.
type Report struct {
	Daemon  workload.VersionInfo `json:"daemon"`
	Modules []module.Module      `json:"modules"`
}

// NewCommand creates the status command. newClient is called with the
// resolved workload settings; nil uses client.New.
func NewCommand(newClient func(config.WorkloadConfig) *client.Client) *cobra.Command {
	if newClient == nil {
		newClient = func(cfg config.WorkloadConfig) *client.Client { return client.New(cfg) }
	}

	var (
		configPath string
		socketPath string
		tcpAddr    string
		asJSON     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the running daemon and its modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.Discover()
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if socketPath != "" {
				cfg.Workload.SocketPath = socketPath
			}
			if tcpAddr != "" {
				cfg.Workload.TCPAddr = tcpAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c := newClient(cfg.Workload)
			version, err := c.Version(ctx)
			if err != nil {
				return fmt.Errorf("edged is not reachable: %w", err)
			}
			mods, err := c.Modules(ctx)
			if err != nil {
				return fmt.Errorf("failed to list modules: %w", err)
			}

			if asJSON {
				data, err := json.MarshalIndent(Report{Daemon: version, Modules: mods}, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal status: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Printf("edged %s\n", version.Version)
			if len(mods) == 0 {
				cmd.Println("no modules")
				return nil
			}
			for _, m := range mods {
				line := fmt.Sprintf("  %-20s %-10s %s", m.ID, m.Status.State, m.Spec.Image)
				if m.Status.Reason != "" {
					line += " (" + m.Status.Reason + ")"
				}
				cmd.Println(line)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config-file", "c", "", "Path to the YAML config file")
	flags.StringVar(&socketPath, "socket", "", "Unix socket path of the workload API")
	flags.StringVar(&tcpAddr, "tcp", "", "TCP address of the workload API")
	flags.BoolVar(&asJSON, "json", false, "Output as JSON")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}
