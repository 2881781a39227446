// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/term"

	"github.com/shellbe/shellbe/internal/profile"
)

// Prompter asks the user for secrets. Nothing it returns is stored.
type Prompter interface {
	Secret(prompt string) ([]byte, error)
}

// TerminalPrompter reads secrets from the controlling terminal without echo.
type TerminalPrompter struct{}

// Secret implements Prompter.
func (TerminalPrompter) Secret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd()) //nolint:gosec // fd fits in int
	if !term.IsTerminal(fd) {
		return nil, oops.In("sshx").Errorf("cannot prompt for %q: stdin is not a terminal", strings.TrimSpace(prompt))
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, oops.In("sshx").Wrapf(err, "read secret")
	}
	return secret, nil
}

// authMethods builds the client auth chain for p. The returned closer
// releases an agent connection, if one was opened.
func (t *Transport) authMethods(p profile.Profile) ([]ssh.AuthMethod, func(), error) {
	noop := func() {}
	switch p.AuthMethod {
	case profile.AuthPassword:
		prompt := fmt.Sprintf("%s@%s's password: ", p.User, p.Host)
		return []ssh.AuthMethod{
			ssh.PasswordCallback(func() (string, error) {
				secret, err := t.prompter.Secret(prompt)
				return string(secret), err
			}),
		}, noop, nil

	case profile.AuthKey:
		signer, err := t.loadSigner(p.IdentityFile)
		if err != nil {
			return nil, noop, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, noop, nil

	case profile.AuthAgent:
		sock := t.agentSocket
		if sock == "" {
			return nil, noop, oops.In("sshx").Errorf("agent authentication requested but SSH_AUTH_SOCK is not set")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, noop, oops.In("sshx").With("socket", sock).Wrapf(err, "connect to ssh agent")
		}
		client := agent.NewClient(conn)
		return []ssh.AuthMethod{ssh.PublicKeysCallback(client.Signers)}, func() { _ = conn.Close() }, nil
	}
	return nil, noop, oops.In("sshx").Errorf("unsupported auth method %q", p.AuthMethod)
}

// loadSigner reads a private key, prompting for a passphrase if it is
// encrypted.
func (t *Transport) loadSigner(path string) (ssh.Signer, error) {
	path = ExpandHome(path)
	pem, err := os.ReadFile(path) //nolint:gosec // user-chosen identity file
	if err != nil {
		return nil, oops.In("sshx").With("identity_file", path).Wrapf(err, "read identity file")
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, oops.In("sshx").With("identity_file", path).Wrapf(err, "parse identity file")
	}
	passphrase, err := t.prompter.Secret(fmt.Sprintf("Enter passphrase for key '%s': ", path))
	if err != nil {
		return nil, err
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, passphrase)
	if err != nil {
		return nil, oops.In("sshx").With("identity_file", path).Wrapf(err, "decrypt identity file")
	}
	return signer, nil
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
