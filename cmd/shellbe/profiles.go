// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shellbe/shellbe/internal/profile"
)

// profileFlags holds the connection fields shared by add and edit.
type profileFlags struct {
	host     string
	port     int
	user     string
	auth     string
	identity string
	options  map[string]string
}

func (f *profileFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.host, "host", "", "hostname or IP address")
	fs.IntVar(&f.port, "port", profile.DefaultPort, "SSH port")
	fs.StringVarP(&f.user, "user", "u", "", "remote user name")
	fs.StringVar(&f.auth, "auth", "", "auth method: password, key or agent (default key if --identity is set, else agent)")
	fs.StringVarP(&f.identity, "identity", "i", "", "private key file for key authentication")
	fs.StringToStringVarP(&f.options, "option", "o", nil, "extra option as key=value (repeatable)")
}

// apply copies the flags the user set onto p.
func (f *profileFlags) apply(fs *pflag.FlagSet, p *profile.Profile) error {
	if fs.Changed("host") {
		p.Host = f.host
	}
	if fs.Changed("port") {
		p.Port = f.port
	}
	if fs.Changed("user") {
		p.User = f.user
	}
	if fs.Changed("identity") {
		p.IdentityFile = f.identity
	}
	if fs.Changed("auth") {
		method, err := profile.ParseAuthMethod(f.auth)
		if err != nil {
			return err
		}
		p.AuthMethod = method
	}
	if fs.Changed("option") {
		if p.Options == nil {
			p.Options = make(map[string]string, len(f.options))
		}
		for k, v := range f.options {
			if v == "" {
				delete(p.Options, k)
				continue
			}
			p.Options[k] = v
		}
	}
	return nil
}

func newAddCmd(a *app) *cobra.Command {
	f := &profileFlags{}
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a connection profile",
		Example: `  shellbe add work-server --host example.com --user alice --identity ~/.ssh/id_ed25519
  shellbe add lab --host 10.0.0.5 --port 2222 --user root --auth password`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			p := profile.Profile{Name: args[0], Port: profile.DefaultPort}
			if err := f.apply(cmd.Flags(), &p); err != nil {
				return err
			}
			added, err := st.AddProfile(cmd.Context(), p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added profile %s (%s@%s, %s auth)\n", added.Name, added.User, added.Address(), added.AuthMethod)
			return nil
		},
	}
	f.register(cmd.Flags())
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newEditCmd(a *app) *cobra.Command {
	f := &profileFlags{}
	cmd := &cobra.Command{
		Use:   "edit <name>",
		Short: "Change fields of a profile",
		Long: `Change fields of a profile. Only the flags given are changed.
Pass --option key= to delete an option.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			updated, err := st.UpdateProfile(cmd.Context(), args[0], func(p *profile.Profile) error {
				return f.apply(cmd.Flags(), p)
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated profile %s (%s@%s, %s auth)\n", updated.Name, updated.User, updated.Address(), updated.AuthMethod)
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List profiles",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			profiles, err := st.ListProfiles()
			if err != nil {
				return err
			}
			aliases, err := st.ListAliases()
			if err != nil {
				return err
			}
			byProfile := make(map[string][]string)
			for _, al := range aliases {
				byProfile[al.Profile] = append(byProfile[al.Profile], al.Name)
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), profiles)
			}
			if len(profiles) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no profiles; add one with 'shellbe add'")
				return nil
			}
			return writeProfileTable(cmd.OutOrStdout(), profiles, byProfile, time.Now())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func writeProfileTable(w io.Writer, profiles []profile.Profile, aliases map[string][]string, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTARGET\tAUTH\tLAST USED\tALIASES")
	for _, p := range profiles {
		last := "never"
		if p.LastUsed != nil {
			last = ago(now.Sub(*p.LastUsed))
		}
		fmt.Fprintf(tw, "%s\t%s@%s\t%s\t%s\t%s\n",
			p.Name, p.User, p.Address(), p.AuthMethod, last, strings.Join(aliases[p.Name], ","))
	}
	return tw.Flush()
}

func newRemoveCmd(a *app) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:     "remove <name>",
		Aliases: []string{"rm"},
		Short:   "Remove a profile",
		Long: `Remove a profile. A profile that aliases point at is kept unless
--cascade is given, which removes those aliases too.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			removed, err := st.RemoveProfile(cmd.Context(), args[0], cascade)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed profile %s\n", args[0])
			if len(removed) > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "removed aliases: %s\n", strings.Join(removed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also remove aliases pointing at the profile")
	return cmd
}

func newAliasCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "alias <alias> <profile>",
		Short: "Create an alternate name for a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			if err := st.AddAlias(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func newAliasesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "aliases",
		Short: "List aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			aliases, err := st.ListAliases()
			if err != nil {
				return err
			}
			if len(aliases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no aliases")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ALIAS\tPROFILE")
			for _, al := range aliases {
				fmt.Fprintf(tw, "%s\t%s\n", al.Name, al.Profile)
			}
			return tw.Flush()
		},
	}
}

func newUnaliasCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unalias <alias>",
		Short: "Remove an alias",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.Store()
			if err != nil {
				return err
			}
			if err := st.RemoveAlias(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed alias %s\n", args[0])
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ago renders a duration the way a person would say it.
func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
