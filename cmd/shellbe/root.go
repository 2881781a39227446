// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/shellbe/shellbe/internal/config"
)

// NewRootCmd creates the root command for the shellbe CLI. Every subcommand
// shares a.
func NewRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shellbe",
		Short: "shellbe - a local SSH connection manager",
		Long: `shellbe keeps named SSH connection profiles, connects to them,
records every session in a local history ledger, and runs plugins that
observe the session lifecycle or add their own commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file path")
	flags.String("data-dir", "", "directory holding profiles, history and plugins")
	flags.String("log-format", config.DefaultLogFormat, "log format (json or text)")
	flags.String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.String("metrics-file", "", "write Prometheus metrics to this textfile on exit")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while running")

	cmd.AddCommand(
		newAddCmd(a),
		newListCmd(a),
		newEditCmd(a),
		newRemoveCmd(a),
		newAliasCmd(a),
		newAliasesCmd(a),
		newUnaliasCmd(a),
		newConnectCmd(a),
		newTestCmd(a),
		newCopyIDCmd(a),
		newGenerateKeyCmd(a),
		newHistoryCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newPluginCmd(a),
	)
	return cmd
}
