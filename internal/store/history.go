// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/profile"
)

const maxHistoryLine = 64 * 1024

// AppendHistory adds an entry to the ledger. The ledger is append-only:
// there is no API to modify or delete entries. A missing ID is assigned.
func (s *Store) AppendHistory(ctx context.Context, e profile.HistoryEntry) (profile.HistoryEntry, error) {
	if !e.Outcome.Valid() {
		return e, oops.Code(CodeStoreIO).With("outcome", e.Outcome).Errorf("invalid history outcome %q", e.Outcome)
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	line, err := json.Marshal(e)
	if err != nil {
		return e, oops.Code(CodeStoreIO).With("operation", "encode history entry").Wrap(err)
	}
	line = append(line, '\n')

	err = s.withLock(ctx, func() error {
		f, err := os.OpenFile(s.path(HistoryFile), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
		if err != nil {
			return ioError("open history", s.path(HistoryFile), err)
		}
		torn, err := endsMidLine(f)
		if err != nil {
			_ = f.Close()
			return ioError("read history", s.path(HistoryFile), err)
		}
		if torn {
			// Terminate a line left behind by an interrupted write so the
			// new entry starts on its own line.
			line = append([]byte{'\n'}, line...)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return ioError("append history", s.path(HistoryFile), err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return ioError("sync history", s.path(HistoryFile), err)
		}
		if err := f.Close(); err != nil {
			return ioError("close history", s.path(HistoryFile), err)
		}
		return nil
	})
	return e, err
}

func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false, err
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// History returns matching entries in chronological order. With a Limit,
// only the most recent Limit matches are returned.
func (s *Store) History(q profile.HistoryQuery) ([]profile.HistoryEntry, error) {
	all, err := s.readHistory()
	if err != nil {
		return nil, err
	}
	out := make([]profile.HistoryEntry, 0, len(all))
	for _, e := range all {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// Stats aggregates matching history per profile, sorted by profile name.
func (s *Store) Stats(q profile.HistoryQuery) ([]profile.Stats, error) {
	q.Limit = 0
	entries, err := s.History(q)
	if err != nil {
		return nil, err
	}
	byProfile := make(map[string]*profile.Stats)
	for _, e := range entries {
		st, ok := byProfile[e.ProfileName]
		if !ok {
			st = &profile.Stats{Profile: e.ProfileName}
			byProfile[e.ProfileName] = st
		}
		st.Add(e)
	}
	out := make([]profile.Stats, 0, len(byProfile))
	for _, st := range byProfile {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Profile < out[j].Profile })
	return out, nil
}

func (s *Store) readHistory() ([]profile.HistoryEntry, error) {
	f, err := os.Open(s.path(HistoryFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioError("open history", s.path(HistoryFile), err)
	}
	defer func() { _ = f.Close() }()

	var entries []profile.HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 4096), maxHistoryLine)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e profile.HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A concurrent append may be mid-write; skip the partial line.
			slog.Debug("skipping unreadable history line", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, ioError("read history", s.path(HistoryFile), err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	return entries, nil
}
