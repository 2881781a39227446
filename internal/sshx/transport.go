// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package sshx implements the SSH transport used by sessions, plus the key
// management helpers behind generate-key and copy-id.
package sshx

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/internal/session"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake.
const DefaultConnectTimeout = 15 * time.Second

// Config configures a Transport.
type Config struct {
	KnownHosts     string
	StrictHostKey  bool
	ConnectTimeout time.Duration
}

// Transport dials real SSH servers. It implements session.Transport.
type Transport struct {
	cfg         Config
	hostKeys    *hostKeys
	prompter    Prompter
	agentSocket string
	resolver    *net.Resolver

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

var _ session.Transport = (*Transport)(nil)

// Option configures a Transport.
type Option func(*Transport)

// WithPrompter sets where passwords and passphrases come from.
func WithPrompter(p Prompter) Option {
	return func(t *Transport) { t.prompter = p }
}

// WithAgentSocket overrides SSH_AUTH_SOCK.
func WithAgentSocket(path string) Option {
	return func(t *Transport) { t.agentSocket = path }
}

// WithStdio attaches the interactive shell to the given streams instead of
// the process's own.
func WithStdio(stdin io.Reader, stdout, stderr io.Writer) Option {
	return func(t *Transport) {
		t.stdin, t.stdout, t.stderr = stdin, stdout, stderr
	}
}

// New creates a transport.
func New(cfg Config, opts ...Option) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	t := &Transport{
		cfg:         cfg,
		hostKeys:    newHostKeys(ExpandHome(cfg.KnownHosts), cfg.StrictHostKey),
		prompter:    TerminalPrompter{},
		agentSocket: os.Getenv("SSH_AUTH_SOCK"),
		resolver:    net.DefaultResolver,
		stdin:       os.Stdin,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Resolve checks that the profile's host resolves and accepts TCP on its
// port. The probe connection is closed straight away.
func (t *Transport) Resolve(ctx context.Context, p profile.Profile) error {
	conn, err := t.dial(ctx, p.Address())
	if err != nil {
		if ctx.Err() != nil {
			return session.ErrCancelled(p.Name, ctx.Err())
		}
		return session.ErrNetwork(p.Address(), err)
	}
	_ = conn.Close()
	return nil
}

func (t *Transport) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout, Resolver: t.resolver}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Connect dials and authenticates. The interactive shell starts when the
// returned connection's Wait is called.
func (t *Transport) Connect(ctx context.Context, p profile.Profile) (session.Conn, error) {
	client, err := t.Dial(ctx, p)
	if err != nil {
		return nil, err
	}
	return newShell(client, t.stdin, t.stdout, t.stderr), nil
}

// Dial opens an authenticated SSH client connection for p. Errors carry
// session codes.
func (t *Transport) Dial(ctx context.Context, p profile.Profile) (*ssh.Client, error) {
	addr := p.Address()

	verify, err := t.hostKeys.Callback()
	if err != nil {
		return nil, session.ErrProtocol(addr, err)
	}
	// The handshake may flatten the callback's error, so keep the original.
	var hostKeyErr error
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		hostKeyErr = verify(hostname, remote, key)
		return hostKeyErr
	}

	conn, err := t.dial(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, session.ErrCancelled(p.Name, ctx.Err())
		}
		return nil, session.ErrNetwork(addr, err)
	}

	// Credentials are gathered only once the host is known to be reachable.
	auth, release, err := t.authMethods(p)
	if err != nil {
		_ = conn.Close()
		return nil, session.ErrAuth(p.User, addr, err)
	}
	defer release()

	// Cancelling ctx aborts a handshake in progress.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	_ = conn.SetDeadline(time.Now().Add(t.cfg.ConnectTimeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            p.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.cfg.ConnectTimeout,
	})
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, session.ErrCancelled(p.Name, ctx.Err())
		}
		if hostKeyErr != nil {
			return nil, session.ErrProtocol(addr, hostKeyErr)
		}
		return nil, classifyHandshake(p, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// classifyHandshake sorts handshake failures into session error codes.
func classifyHandshake(p profile.Profile, err error) error {
	addr := p.Address()
	if strings.Contains(err.Error(), "unable to authenticate") {
		return session.ErrAuth(p.User, addr, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return session.ErrNetwork(addr, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return session.ErrNetwork(addr, err)
	}
	return session.ErrProtocol(addr, err)
}
