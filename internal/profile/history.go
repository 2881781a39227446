// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package profile

import (
	"time"
)

// Outcome is how a connection attempt ended.
type Outcome string

// Connection outcomes recorded in history.
const (
	OutcomeSuccess       Outcome = "success"
	OutcomeAuthFailed    Outcome = "auth_failed"
	OutcomeNetworkError  Outcome = "network_error"
	OutcomeProtocolError Outcome = "protocol_error"
	OutcomeUserCancelled Outcome = "user_cancelled"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeAuthFailed, OutcomeNetworkError, OutcomeProtocolError, OutcomeUserCancelled:
		return true
	}
	return false
}

// HistoryEntry is one connection attempt. Entries are never modified once written.
type HistoryEntry struct {
	ID          string        `json:"id"`
	ProfileName string        `json:"profile"`
	Host        string        `json:"host"`
	Timestamp   time.Time     `json:"timestamp"`
	Outcome     Outcome       `json:"outcome"`
	Duration    time.Duration `json:"duration_ns"`
	Detail      string        `json:"detail,omitempty"`
}

// HistoryQuery filters history. Zero fields do not filter.
type HistoryQuery struct {
	Profile string
	Since   time.Time
	Until   time.Time
	// Limit keeps only the most recent N matches.
	Limit int
}

// Matches reports whether e satisfies the query's filters (Limit aside).
func (q HistoryQuery) Matches(e HistoryEntry) bool {
	if q.Profile != "" && e.ProfileName != q.Profile {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !e.Timestamp.Before(q.Until) {
		return false
	}
	return true
}

// Stats aggregates history for one profile.
type Stats struct {
	Profile        string        `json:"profile"`
	Connections    int           `json:"connections"`
	Successes      int           `json:"successes"`
	Failures       int           `json:"failures"`
	TotalDuration  time.Duration `json:"total_duration_ns"`
	LastConnection time.Time     `json:"last_connection"`
}

// AverageDuration is the mean duration across all attempts.
func (s Stats) AverageDuration() time.Duration {
	if s.Connections == 0 {
		return 0
	}
	return s.TotalDuration / time.Duration(s.Connections)
}

// Add folds e into s.
func (s *Stats) Add(e HistoryEntry) {
	s.Connections++
	if e.Outcome == OutcomeSuccess {
		s.Successes++
	} else {
		s.Failures++
	}
	s.TotalDuration += e.Duration
	if e.Timestamp.After(s.LastConnection) {
		s.LastConnection = e.Timestamp
	}
}
