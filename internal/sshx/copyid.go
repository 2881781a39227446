// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx

import (
	"bufio"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/profile"
)

// CopyID installs authorizedKey in the remote user's ~/.ssh/authorized_keys
// over SFTP, authenticating with p. It reports false if the key was already
// present.
func (t *Transport) CopyID(ctx context.Context, p profile.Profile, authorizedKey string) (bool, error) {
	fields := strings.Fields(authorizedKey)
	if len(fields) < 2 {
		return false, oops.In("sshx").Errorf("malformed public key")
	}

	client, err := t.Dial(ctx, p)
	if err != nil {
		return false, err
	}
	defer func() { _ = client.Close() }()

	sc, err := sftp.NewClient(client)
	if err != nil {
		return false, oops.In("sshx").With("host", p.Host).Wrapf(err, "start sftp subsystem")
	}
	defer func() { _ = sc.Close() }()

	home, err := sc.Getwd()
	if err != nil {
		return false, oops.In("sshx").Wrapf(err, "locate remote home directory")
	}
	sshDir := path.Join(home, ".ssh")
	if err := sc.MkdirAll(sshDir); err != nil {
		return false, oops.In("sshx").With("dir", sshDir).Wrapf(err, "create remote .ssh")
	}
	if err := sc.Chmod(sshDir, 0o700); err != nil {
		slog.Debug("could not tighten remote .ssh permissions", "dir", sshDir, "error", err)
	}

	keysPath := path.Join(sshDir, "authorized_keys")
	present, err := hasKey(sc, keysPath, fields[0], fields[1])
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}

	f, err := sc.OpenFile(keysPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND)
	if err != nil {
		return false, oops.In("sshx").With("path", keysPath).Wrapf(err, "open remote authorized_keys")
	}
	if _, err := f.Write([]byte(authorizedKey + "\n")); err != nil {
		_ = f.Close()
		return false, oops.In("sshx").With("path", keysPath).Wrapf(err, "append to remote authorized_keys")
	}
	if err := f.Close(); err != nil {
		return false, oops.In("sshx").With("path", keysPath).Wrapf(err, "close remote authorized_keys")
	}
	if err := sc.Chmod(keysPath, 0o600); err != nil {
		slog.Debug("could not tighten remote authorized_keys permissions", "path", keysPath, "error", err)
	}
	return true, nil
}

// hasKey reports whether the authorized_keys file already lists the key
// with the given type and base64 blob.
func hasKey(sc *sftp.Client, keysPath, keyType, blob string) (bool, error) {
	f, err := sc.Open(keysPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, oops.In("sshx").With("path", keysPath).Wrapf(err, "open remote authorized_keys")
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(io.LimitReader(f, 1<<20))
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<10)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		for i := 0; i+1 < len(fields); i++ {
			if fields[i] == keyType && fields[i+1] == blob {
				return true, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, oops.In("sshx").With("path", keysPath).Wrapf(err, "read remote authorized_keys")
	}
	return false, nil
}
