// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/samber/oops"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const (
	defaultTerm = "xterm-256color"
	defaultCols = 80
	defaultRows = 24
)

// shell is an authenticated client whose interactive session starts on
// Wait. Close may be called concurrently with Wait and unblocks it.
type shell struct {
	client *ssh.Client
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	mu       sync.Mutex
	session  *ssh.Session
	restore  func()
	closed   bool
	closeErr error
}

func newShell(client *ssh.Client, stdin io.Reader, stdout, stderr io.Writer) *shell {
	return &shell{client: client, stdin: stdin, stdout: stdout, stderr: stderr, restore: func() {}}
}

// Wait runs a login shell until the remote side exits. A non-zero exit
// status is the user's business and is not reported as an error.
func (s *shell) Wait() error {
	sess, err := s.start()
	if err != nil {
		return err
	}
	err = sess.Wait()
	s.restoreTerminal()

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		slog.Debug("remote shell exited", "status", exitErr.ExitStatus())
		return nil
	}
	return err
}

func (s *shell) start() (*ssh.Session, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}

	// Closing the client unblocks NewSession, so the lock is not held here.
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, oops.In("sshx").Wrapf(err, "open session")
	}
	sess.Stdin = s.stdin
	sess.Stdout = s.stdout
	sess.Stderr = s.stderr

	restore := func() {}
	if f, ok := s.stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
		fd := int(f.Fd()) //nolint:gosec // fd fits in int
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			cols, rows = defaultCols, defaultRows
		}
		termName := os.Getenv("TERM")
		if termName == "" {
			termName = defaultTerm
		}
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty(termName, rows, cols, modes); err != nil {
			_ = sess.Close()
			return nil, oops.In("sshx").Wrapf(err, "request pty")
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			_ = sess.Close()
			return nil, oops.In("sshx").Wrapf(err, "set terminal raw mode")
		}
		var once sync.Once
		restore = func() { once.Do(func() { _ = term.Restore(fd, state) }) }
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		restore()
		_ = sess.Close()
		return nil, net.ErrClosed
	}
	s.session = sess
	s.restore = restore
	s.mu.Unlock()

	if err := sess.Shell(); err != nil {
		restore()
		return nil, oops.In("sshx").Wrapf(err, "start shell")
	}
	return sess, nil
}

func (s *shell) restoreTerminal() {
	s.mu.Lock()
	restore := s.restore
	s.mu.Unlock()
	restore()
}

// Close tears down the session and the connection. It is idempotent.
func (s *shell) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	s.closed = true
	s.restore()
	if s.session != nil {
		_ = s.session.Close()
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		s.closeErr = err
	}
	return s.closeErr
}
