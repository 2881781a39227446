// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package session

import (
	"time"

	"github.com/shellbe/shellbe/internal/profile"
)

// State is a point in a session's lifecycle.
type State string

// Session states. Closed and Failed are terminal.
const (
	StateIdle           State = "idle"
	StateResolving      State = "resolving"
	StateAuthenticating State = "authenticating"
	StateConnected      State = "connected"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions can follow s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var allowed = map[State][]State{
	StateIdle:           {StateResolving},
	StateResolving:      {StateAuthenticating, StateFailed},
	StateAuthenticating: {StateConnected, StateFailed},
	StateConnected:      {StateClosing},
	StateClosing:        {StateClosed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Observer is told about every transition as it happens.
type Observer func(sessionID string, t Transition)

// Result describes a finished session or probe.
type Result struct {
	SessionID   string
	Profile     string
	State       State
	Outcome     profile.Outcome
	Transitions []Transition
	Duration    time.Duration
	// History is the ledger entry written for the session, if any.
	History *profile.HistoryEntry
}
