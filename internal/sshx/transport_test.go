// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package sshx_test

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/internal/session"
	"github.com/shellbe/shellbe/internal/sshx"
	"github.com/shellbe/shellbe/pkg/errutil"
)

type keyPair struct {
	path string
	pub  ssh.PublicKey
}

func newKeyPair(t *testing.T) keyPair {
	t.Helper()
	path := filepath.Join(t.TempDir(), "id_ed25519")
	gen, err := sshx.GenerateKey(sshx.KeyEd25519, path, "alice@laptop", nil)
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(gen.AuthorizedKey))
	require.NoError(t, err)
	return keyPair{path: path, pub: pub}
}

func newTransport(t *testing.T, strict bool, out *bytes.Buffer, opts ...sshx.Option) (*sshx.Transport, string) {
	t.Helper()
	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	opts = append([]sshx.Option{
		sshx.WithStdio(strings.NewReader(""), out, out),
		sshx.WithAgentSocket(""),
	}, opts...)
	return sshx.New(sshx.Config{
		KnownHosts:     knownHosts,
		StrictHostKey:  strict,
		ConnectTimeout: 5 * time.Second,
	}, opts...), knownHosts
}

func TestTransport_KeyAuthRunsShell(t *testing.T) {
	key := newKeyPair(t)
	srv := newTestServer(t, key.pub)
	var out bytes.Buffer
	tr, knownHosts := newTransport(t, false, &out)
	ctx := context.Background()

	p := srv.profile(t, profile.AuthKey, key.path)
	require.NoError(t, tr.Resolve(ctx, p))

	conn, err := tr.Connect(ctx, p)
	require.NoError(t, err)
	require.NoError(t, conn.Wait())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Contains(t, out.String(), "welcome to the test server")

	// The host was trusted on first use.
	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Contains(t, string(data), knownhosts.Normalize(srv.addr))
	assert.Contains(t, string(data), strings.TrimSpace(string(ssh.MarshalAuthorizedKey(srv.hostKey))))
}

func TestTransport_PasswordAuthPrompts(t *testing.T) {
	srv := newTestServer(t, nil)
	prompter := &staticPrompter{secret: testPassword}
	var out bytes.Buffer
	tr, _ := newTransport(t, false, &out, sshx.WithPrompter(prompter))

	conn, err := tr.Connect(context.Background(), srv.profile(t, profile.AuthPassword, ""))
	require.NoError(t, err)
	require.NoError(t, conn.Close())
	require.Len(t, prompter.asked, 1)
	assert.Contains(t, prompter.asked[0], "alice@127.0.0.1")
}

func TestTransport_Failures(t *testing.T) {
	key := newKeyPair(t)
	other := newKeyPair(t)
	srv := newTestServer(t, key.pub)

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	refusedAddr := closed.Addr().(*net.TCPAddr)
	require.NoError(t, closed.Close())

	tests := []struct {
		name    string
		strict  bool
		profile func() profile.Profile
		prompt  string
		code    string
		outcome profile.Outcome
	}{
		{
			name:    "unauthorized key",
			profile: func() profile.Profile { return srv.profile(t, profile.AuthKey, other.path) },
			code:    session.CodeAuthFailed,
			outcome: profile.OutcomeAuthFailed,
		},
		{
			name:    "wrong password",
			profile: func() profile.Profile { return srv.profile(t, profile.AuthPassword, "") },
			prompt:  "letmein",
			code:    session.CodeAuthFailed,
			outcome: profile.OutcomeAuthFailed,
		},
		{
			name:    "missing identity file",
			profile: func() profile.Profile { return srv.profile(t, profile.AuthKey, filepath.Join(t.TempDir(), "nope")) },
			code:    session.CodeAuthFailed,
			outcome: profile.OutcomeAuthFailed,
		},
		{
			name:    "agent without socket",
			profile: func() profile.Profile { return srv.profile(t, profile.AuthAgent, "") },
			code:    session.CodeAuthFailed,
			outcome: profile.OutcomeAuthFailed,
		},
		{
			name:    "unknown host in strict mode",
			strict:  true,
			profile: func() profile.Profile { return srv.profile(t, profile.AuthKey, key.path) },
			code:    sshx.CodeHostKeyUnknown,
			outcome: profile.OutcomeProtocolError,
		},
		{
			name: "connection refused",
			profile: func() profile.Profile {
				p := srv.profile(t, profile.AuthKey, key.path)
				p.Port = refusedAddr.Port
				return p
			},
			code:    session.CodeNetworkError,
			outcome: profile.OutcomeNetworkError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			tr, _ := newTransport(t, tt.strict, &out, sshx.WithPrompter(&staticPrompter{secret: tt.prompt}))
			conn, err := tr.Connect(context.Background(), tt.profile())
			require.Error(t, err)
			assert.Nil(t, conn)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.Equal(t, tt.outcome, session.OutcomeOf(err))
		})
	}
}

func TestTransport_ChangedHostKeyIsRejected(t *testing.T) {
	key := newKeyPair(t)
	srv := newTestServer(t, key.pub)
	imposter := newKeyPair(t)

	var out bytes.Buffer
	tr, knownHosts := newTransport(t, false, &out)
	line := knownhosts.Line([]string{knownhosts.Normalize(srv.addr)}, imposter.pub) + "\n"
	require.NoError(t, os.WriteFile(knownHosts, []byte(line), 0o600))

	_, err := tr.Connect(context.Background(), srv.profile(t, profile.AuthKey, key.path))
	errutil.AssertErrorCode(t, err, sshx.CodeHostKeyMismatch)
	assert.Equal(t, profile.OutcomeProtocolError, session.OutcomeOf(err))

	data, err := os.ReadFile(knownHosts)
	require.NoError(t, err)
	assert.Equal(t, line, string(data))
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestTransport_ResolveChecksReachability(t *testing.T) {
	key := newKeyPair(t)
	srv := newTestServer(t, key.pub)
	var out bytes.Buffer
	tr, _ := newTransport(t, false, &out)
	ctx := context.Background()

	require.NoError(t, tr.Resolve(ctx, srv.profile(t, profile.AuthKey, key.path)))

	err := tr.Resolve(ctx, profile.Profile{Name: "gone", Host: "127.0.0.1", Port: closedPort(t), User: "alice"})
	errutil.AssertErrorCode(t, err, session.CodeNetworkError)
}

func TestTransport_UnreachableHostFailsWhileResolving(t *testing.T) {
	var out bytes.Buffer
	// No agent socket: credentials must not be consulted for a dead host.
	tr, _ := newTransport(t, false, &out)

	var states []session.State
	orch := session.New(tr, session.WithObserver(func(_ string, tn session.Transition) {
		states = append(states, tn.To)
	}))
	res, err := orch.Connect(context.Background(), profile.Profile{
		Name: "gone", Host: "127.0.0.1", Port: closedPort(t), User: "alice", AuthMethod: profile.AuthAgent,
	})
	errutil.AssertErrorCode(t, err, session.CodeNetworkError)
	assert.Equal(t, profile.OutcomeNetworkError, res.Outcome)
	assert.Equal(t, []session.State{session.StateResolving, session.StateFailed}, states)
}

func TestTransport_CancelledDial(t *testing.T) {
	key := newKeyPair(t)
	srv := newTestServer(t, key.pub)
	var out bytes.Buffer
	tr, _ := newTransport(t, false, &out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Connect(ctx, srv.profile(t, profile.AuthKey, key.path))
	require.Error(t, err)
	assert.NotEqual(t, profile.OutcomeSuccess, session.OutcomeOf(err))
}

func TestTransport_OrchestratedSession(t *testing.T) {
	key := newKeyPair(t)
	srv := newTestServer(t, key.pub)
	var out bytes.Buffer
	tr, _ := newTransport(t, false, &out)

	res, err := session.New(tr).Connect(context.Background(), srv.profile(t, profile.AuthKey, key.path))
	require.NoError(t, err)
	assert.Equal(t, session.StateClosed, res.State)
	assert.Equal(t, profile.OutcomeSuccess, res.Outcome)
}
