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

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	statuscmd "github.com/tombee/edged/internal/commands/status"
	versioncmd "github.com/tombee/edged/internal/commands/version"
	"github.com/tombee/edged/internal/config"
	"github.com/tombee/edged/internal/daemon"
	"github.com/tombee/edged/internal/workload"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// runFunc starts the daemon. Replaced in tests.
type runFunc func(opts daemon.RunOptions) error

func newRootCommand(run runFunc) *cobra.Command {
	var opts daemon.RunOptions

	cmd := &cobra.Command{
		Use:   "edged",
		Short: "Edge device daemon",
		Long: `edged keeps one edge module provisioned and running, and serves the
workload API that modules use to query their status and identity.

Configuration is read from --config-file, or from
$XDG_CONFIG_HOME/edged/config.yaml when that file exists, and falls back to
built-in defaults.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath == "" {
				opts.ConfigPath = config.Discover()
			}
			opts.Version = version
			opts.Commit = commit
			opts.BuildDate = buildDate
			return run(opts)
		},
	}

	bindRunFlags(cmd.Flags(), &opts)

	cmd.AddCommand(statuscmd.NewCommand(nil))
	cmd.AddCommand(versioncmd.NewCommand(workload.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}))

	return cmd
}

// bindRunFlags registers the daemon's config override flags.
func bindRunFlags(flags *pflag.FlagSet, opts *daemon.RunOptions) {
	flags.StringVarP(&opts.ConfigPath, "config-file", "c", "", "Path to the YAML config file")
	flags.StringVar(&opts.SocketPath, "socket", "", "Unix socket path for the workload API")
	flags.StringVar(&opts.TCPAddr, "tcp", "", "TCP address for the workload API")
	flags.BoolVar(&opts.AllowRemote, "allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
	flags.StringVar(&opts.ModuleID, "module-id", "", "ID of the module to supervise")
}

func main() {
	if err := newRootCommand(daemon.Run).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
