// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package session

import (
	"context"

	"github.com/shellbe/shellbe/internal/profile"
)

// Transport is the SSH wire layer. Errors should carry one of the session
// error codes; anything else is treated as a protocol error.
type Transport interface {
	// Resolve checks that the profile's host resolves and accepts TCP.
	Resolve(ctx context.Context, p profile.Profile) error
	// Connect performs the handshake and authentication.
	Connect(ctx context.Context, p profile.Profile) (Conn, error)
}

// Conn is an established, authenticated session.
type Conn interface {
	// Wait blocks until the session ends. A nil error is a clean end; a
	// non-nil error is a fatal I/O failure. Wait must return once Close is
	// called.
	Wait() error
	// Close releases the session. It must be safe to call more than once.
	Close() error
}
