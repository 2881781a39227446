// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Host key failure codes. Both are reported as protocol errors by the
// transport; the code distinguishes them for the CLI.
const (
	CodeHostKeyUnknown  = "HOST_KEY_UNKNOWN"
	CodeHostKeyMismatch = "HOST_KEY_MISMATCH"
)

// hostKeys verifies server keys against an OpenSSH known_hosts file.
// Unknown hosts are trusted on first use unless strict is set. A changed
// key is always rejected.
type hostKeys struct {
	path   string
	strict bool

	mu sync.Mutex
}

func newHostKeys(path string, strict bool) *hostKeys {
	return &hostKeys{path: path, strict: strict}
}

// ensure creates the known_hosts file if it does not exist.
func (h *hostKeys) ensure() error {
	if err := os.MkdirAll(filepath.Dir(h.path), 0o700); err != nil {
		return oops.In("sshx").With("path", h.path).Wrapf(err, "create known_hosts directory")
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return oops.In("sshx").With("path", h.path).Wrapf(err, "open known_hosts")
	}
	return f.Close()
}

// Callback returns an ssh.HostKeyCallback bound to the current file
// contents.
func (h *hostKeys) Callback() (ssh.HostKeyCallback, error) {
	if h.path == "" {
		return nil, oops.In("sshx").Errorf("no known_hosts file configured")
	}
	if err := h.ensure(); err != nil {
		return nil, err
	}
	check, err := knownhosts.New(h.path)
	if err != nil {
		return nil, oops.In("sshx").With("path", h.path).Wrapf(err, "parse known_hosts")
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		fingerprint := ssh.FingerprintSHA256(key)
		if len(keyErr.Want) > 0 {
			return oops.Code(CodeHostKeyMismatch).
				With("host", hostname).
				With("fingerprint", fingerprint).
				With("known_hosts", fmt.Sprintf("%s:%d", keyErr.Want[0].Filename, keyErr.Want[0].Line)).
				Errorf("host key for %s has changed (got %s)", hostname, fingerprint)
		}
		if h.strict {
			return oops.Code(CodeHostKeyUnknown).
				With("host", hostname).
				With("fingerprint", fingerprint).
				Errorf("host %s is not in %s (strict host key checking)", hostname, h.path)
		}
		if err := h.add(hostname, key); err != nil {
			return err
		}
		slog.Warn("trusting new host key",
			"host", hostname,
			"type", key.Type(),
			"fingerprint", fingerprint,
			"known_hosts", h.path)
		return nil
	}, nil
}

func (h *hostKeys) add(hostname string, key ssh.PublicKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return oops.In("sshx").With("path", h.path).Wrapf(err, "open known_hosts for append")
	}
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key) + "\n"
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return oops.In("sshx").With("path", h.path).Wrapf(err, "append to known_hosts")
	}
	return f.Close()
}
