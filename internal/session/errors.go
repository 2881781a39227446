// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package session

import (
	"context"
	"errors"

	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/pkg/errutil"
)

// Error codes for session failures. Transports classify their errors with
// these so the orchestrator can pick an outcome.
const (
	CodeNetworkError  = "NETWORK_ERROR"
	CodeAuthFailed    = "AUTH_FAILED"
	CodeProtocolError = "PROTOCOL_ERROR"
	CodeUserCancelled = "USER_CANCELLED"
)

// ErrNetwork reports DNS, TCP or mid-session I/O failures.
func ErrNetwork(addr string, err error) error {
	return oops.Code(CodeNetworkError).
		With("addr", addr).
		Wrapf(err, "network error reaching %s", addr)
}

// ErrAuth reports rejected credentials or an unusable identity.
func ErrAuth(user, addr string, err error) error {
	return oops.Code(CodeAuthFailed).
		With("user", user).
		With("addr", addr).
		Wrapf(err, "authentication failed for %s@%s", user, addr)
}

// ErrProtocol reports handshake, host key or channel failures.
func ErrProtocol(addr string, err error) error {
	return oops.Code(CodeProtocolError).
		With("addr", addr).
		Wrapf(err, "ssh protocol error with %s", addr)
}

// ErrCancelled reports a session abandoned through its context.
func ErrCancelled(name string, err error) error {
	return oops.Code(CodeUserCancelled).
		With("profile", name).
		Wrapf(err, "session %s cancelled", name)
}

// OutcomeOf maps a failure to the history outcome it is recorded as.
// Unclassified errors count as protocol errors.
func OutcomeOf(err error) profile.Outcome {
	if err == nil {
		return profile.OutcomeSuccess
	}
	switch errutil.Code(err) {
	case CodeAuthFailed:
		return profile.OutcomeAuthFailed
	case CodeNetworkError:
		return profile.OutcomeNetworkError
	case CodeUserCancelled:
		return profile.OutcomeUserCancelled
	case CodeProtocolError:
		return profile.OutcomeProtocolError
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return profile.OutcomeUserCancelled
	}
	return profile.OutcomeProtocolError
}
