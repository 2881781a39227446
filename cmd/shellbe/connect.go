// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/internal/sshx"
)

func newConnectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "connect <name>",
		Aliases: []string{"c"},
		Short:   "Open an interactive shell on a profile or alias",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.Store()
			if err != nil {
				return err
			}
			p, err := st.Resolve(args[0])
			if err != nil {
				return err
			}
			o, _, err := a.Orchestrator(ctx)
			if err != nil {
				return err
			}
			res, err := o.Connect(ctx, p)
			if err != nil {
				return err
			}
			cmd.PrintErrf("connection to %s closed after %s\n", p.Address(), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Check that a profile can connect and authenticate",
		Long: `Resolve the host, connect and authenticate, then disconnect without
opening a shell. Probes are not recorded in history.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.Store()
			if err != nil {
				return err
			}
			p, err := st.Resolve(args[0])
			if err != nil {
				return err
			}
			o, _, err := a.Orchestrator(ctx)
			if err != nil {
				return err
			}
			res, err := o.Test(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s@%s reachable (%s)\n", p.Name, p.User, p.Address(), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func newCopyIDCmd(a *app) *cobra.Command {
	var (
		identity string
		auth     string
	)
	cmd := &cobra.Command{
		Use:   "copy-id <name>",
		Short: "Install a public key in the remote authorized_keys",
		Long: `Install a public key in ~/.ssh/authorized_keys on the profile's host.
The key defaults to the profile's identity file. The upload itself
authenticates with --auth, password by default, since the key is not yet
trusted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.Store()
			if err != nil {
				return err
			}
			p, err := st.Resolve(args[0])
			if err != nil {
				return err
			}
			if identity == "" {
				identity = p.IdentityFile
			}
			if identity == "" {
				return oops.In("cli").Errorf("profile %s has no identity file; pass --identity", p.Name)
			}
			method, err := profile.ParseAuthMethod(auth)
			if err != nil {
				return err
			}

			tr := a.newTransport(a.cfg)
			key, err := tr.ReadAuthorizedKey(identity)
			if err != nil {
				return err
			}
			upload := p.Clone()
			upload.AuthMethod = method
			added, err := tr.CopyID(ctx, upload, key)
			if err != nil {
				return err
			}
			if added {
				fmt.Fprintf(cmd.OutOrStdout(), "installed %s on %s@%s\n", identity, p.User, p.Address())
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is already authorized on %s@%s\n", identity, p.User, p.Address())
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&identity, "identity", "i", "", "private or public key to install (default: the profile's identity file)")
	cmd.Flags().StringVar(&auth, "auth", string(profile.AuthPassword), "auth method used for the upload")
	return cmd
}

func newGenerateKeyCmd(a *app) *cobra.Command {
	var (
		kind       string
		output     string
		comment    string
		passphrase bool
		attach     string
	)
	cmd := &cobra.Command{
		Use:   "generate-key",
		Short: "Generate an SSH key pair",
		Example: `  shellbe generate-key --output ~/.ssh/id_work --profile work-server
  shellbe generate-key --type rsa --passphrase`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := output
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return oops.In("cli").Wrap(err)
				}
				path = filepath.Join(home, ".ssh", "id_"+kind)
			}

			var secret []byte
			if passphrase {
				var err error
				if secret, err = a.prompter.Secret("Enter passphrase for new key: "); err != nil {
					return err
				}
				again, err := a.prompter.Secret("Enter same passphrase again: ")
				if err != nil {
					return err
				}
				if string(again) != string(secret) {
					return oops.In("cli").Errorf("passphrases do not match")
				}
			}

			key, err := sshx.GenerateKey(sshx.KeyType(kind), path, comment, secret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "private key: %s\npublic key:  %s\nfingerprint: %s\n", key.PrivatePath, key.PublicPath, key.Fingerprint)

			if attach == "" {
				return nil
			}
			st, err := a.Store()
			if err != nil {
				return err
			}
			p, err := st.Resolve(attach)
			if err != nil {
				return err
			}
			if _, err := st.UpdateProfile(cmd.Context(), p.Name, func(p *profile.Profile) error {
				p.IdentityFile = key.PrivatePath
				p.AuthMethod = profile.AuthKey
				return nil
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "profile %s now uses %s\n", p.Name, key.PrivatePath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", string(sshx.KeyEd25519), "key type: ed25519 or rsa")
	cmd.Flags().StringVarP(&output, "output", "f", "", "private key path (default ~/.ssh/id_<type>)")
	cmd.Flags().StringVarP(&comment, "comment", "C", "", "key comment")
	cmd.Flags().BoolVar(&passphrase, "passphrase", false, "prompt for a passphrase to encrypt the key")
	cmd.Flags().StringVar(&attach, "profile", "", "set the new key as this profile's identity")
	return cmd
}
