// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/shellbe/shellbe/internal/store"
)

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Write profiles and aliases to a bundle",
		Long:  `Write profiles and aliases as YAML to file, or to stdout when file is omitted or "-".`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			b, err := st.Export()
			if err != nil {
				return err
			}
			if len(args) == 0 || args[0] == "-" {
				return store.WriteBundle(cmd.OutOrStdout(), b)
			}

			f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
			if err != nil {
				return oops.In("cli").With("path", args[0]).Wrap(err)
			}
			if err := store.WriteBundle(f, b); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return oops.In("cli").With("path", args[0]).Wrap(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d profiles and %d aliases to %s\n", len(b.Profiles), len(b.Aliases), args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Load profiles and aliases from a bundle",
		Long: `Load profiles and aliases from a bundle written by export. Profiles
that already exist are skipped unless --overwrite is given. Use "-" to
read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return oops.In("cli").With("path", args[0]).Wrap(err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			b, err := store.ReadBundle(r)
			if err != nil {
				return err
			}
			res, err := st.Import(cmd.Context(), b, overwrite)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported: %d added, %d replaced, %d skipped, %d aliases\n",
				len(res.Added), len(res.Replaced), len(res.Skipped), res.Aliases)
			if len(res.Skipped) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "skipped existing: %s (use --overwrite to replace)\n", strings.Join(res.Skipped, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace profiles that already exist")
	return cmd
}
