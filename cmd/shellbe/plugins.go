// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	plugins "github.com/shellbe/shellbe/internal/plugin"
)

func newPluginCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugin",
		Aliases: []string{"plugins"},
		Short:   "Manage plugins and run plugin commands",
	}
	cmd.AddCommand(
		newPluginInstallCmd(a),
		newPluginListCmd(a),
		newPluginRunCmd(a),
		newPluginEnableCmd(a),
		newPluginDisableCmd(a),
		newPluginRemoveCmd(a),
		newPluginChecksumCmd(),
	)
	return cmd
}

func newPluginInstallCmd(a *app) *cobra.Command {
	var enable bool
	cmd := &cobra.Command{
		Use:   "install <dir|file.zip|url>",
		Short: "Install a plugin from a directory, a zip archive or an http(s) URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.Plugins(ctx)
			if err != nil {
				return err
			}
			rec, err := rt.manager.Install(ctx, args[0], enable)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s (%s, %s)\n", rec.Name, rec.Version, rec.Type, rec.Status)
			return nil
		},
	}
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the plugin after installing")
	return cmd
}

func newPluginListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed plugins and their commands",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			installed, err := rt.manager.List()
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), installed)
			}
			if len(installed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no plugins installed")
				return nil
			}

			commands := rt.router.Commands()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tTYPE\tSTATUS\tCOMMANDS")
			for _, p := range installed {
				status := string(p.Status)
				if p.Reason != "" {
					status += ": " + p.Reason
				}
				var names []string
				for _, c := range commands[p.Name] {
					names = append(names, c.Name)
				}
				sort.Strings(names)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Name, p.Version, p.Type, status, strings.Join(names, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func newPluginRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <plugin> <command> [args...]",
		Short: "Run a command contributed by a plugin",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.Plugins(ctx)
			if err != nil {
				return err
			}
			res, err := rt.router.Route(ctx, args[0], args[1], args[2:])
			if err != nil {
				return err
			}
			out := res.Output
			if out != "" && !strings.HasSuffix(out, "\n") {
				out += "\n"
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	// Everything after the plugin name belongs to the plugin.
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func newPluginEnableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <plugin>",
		Short: "Load a plugin and run it on future sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.manager.Enable(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
			return nil
		},
	}
}

func newPluginDisableCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <plugin>",
		Short: "Stop running a plugin without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.manager.Disable(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "disabled %s\n", args[0])
			return nil
		},
	}
}

func newPluginRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <plugin>",
		Aliases: []string{"rm", "uninstall"},
		Short:   "Uninstall a plugin. Its data directory is kept",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if err := rt.manager.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newPluginChecksumCmd() *cobra.Command {
	var write bool
	cmd := &cobra.Command{
		Use:   "checksum <dir>",
		Short: "Print the checksum of a plugin's artifact",
		Long: `Print the sha256 checksum of the artifact named by the plugin.yaml in dir.
With --write the manifest's checksum field is updated in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := plugins.ArtifactChecksum(args[0], write)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&write, "write", "w", false, "update the manifest's checksum field")
	return cmd
}
