// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package store persists profiles, aliases, connection history and installed
// plugin records as plain files under a data directory.
//
// Every write runs under an advisory file lock and follows the same shape:
// re-read the current file, apply the mutation, write a temp file and rename
// it over the original. Reads take no lock; they always observe a complete
// file because renames are atomic. History is JSON Lines opened with O_APPEND.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// File names inside the data directory.
const (
	ProfilesFile = "profiles.json"
	AliasesFile  = "aliases.json"
	HistoryFile  = "history.jsonl"
	PluginsFile  = "plugins.json"
	lockFile     = ".lock"
)

// formatVersion is written into every JSON document.
const formatVersion = 1

// DefaultLockTimeout bounds how long a write waits for another process.
const DefaultLockTimeout = 5 * time.Second

const lockPollInterval = 50 * time.Millisecond

var errLockBusy = errors.New("store lock held by another process")

// Store is a handle on one data directory. It is safe for concurrent use
// by multiple goroutines and cooperates with other processes through the lock.
type Store struct {
	dir         string
	lock        *flock.Flock
	lockTimeout time.Duration
	now         func() time.Time

	// mu serializes writers inside this process; flock is per file
	// description and would let two goroutines in through the same handle.
	mu     sync.Mutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout sets how long writes wait for the lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads the store at dir, creating the directory and empty documents if
// they do not exist yet.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, oops.Code(CodeStoreIO).Errorf("store directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, ioError("create data directory", dir, err)
	}

	s := &Store{
		dir:         dir,
		lock:        flock.New(filepath.Join(dir, lockFile)),
		lockTimeout: DefaultLockTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	err := s.withLock(context.Background(), func() error {
		for name, empty := range map[string]any{
			ProfilesFile: &profilesDoc{Version: formatVersion},
			AliasesFile:  &aliasesDoc{Version: formatVersion, Aliases: map[string]string{}},
			PluginsFile:  &pluginsDoc{Version: formatVersion},
		} {
			if _, err := os.Stat(s.path(name)); errors.Is(err, fs.ErrNotExist) {
				if err := s.writeJSON(name, empty); err != nil {
					return err
				}
			} else if err != nil {
				return ioError("stat", s.path(name), err)
			}
		}
		f, err := os.OpenFile(s.path(HistoryFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return ioError("create history", s.path(HistoryFile), err)
		}
		return f.Close()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Close releases the store. Further writes fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.lock.Close(); err != nil {
		return ioError("release lock", s.lock.Path(), err)
	}
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// withLock runs fn while holding both the in-process mutex and the file lock.
func (s *Store) withLock(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return oops.Code(CodeStoreIO).Errorf("store is closed")
	}

	backoff := retry.WithMaxDuration(s.lockTimeout, retry.NewConstant(lockPollInterval))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		locked, err := s.lock.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			return retry.RetryableError(errLockBusy)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, errLockBusy) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return oops.Code(CodeStoreLocked).
				With("path", s.lock.Path()).
				With("timeout", s.lockTimeout.String()).
				Hint("another shellbe process is writing; retry shortly").
				Errorf("store is locked: %v", err)
		}
		return ioError("acquire lock", s.lock.Path(), err)
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	return fn()
}

// readJSON decodes name into v. A missing file leaves v untouched.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioError("read", s.path(name), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return oops.Code(CodeStoreCorrupt).
			With("path", s.path(name)).
			Hint("the file is not valid JSON; restore it from a backup or remove it").
			Wrap(err)
	}
	return nil
}

// writeJSON atomically replaces name with the JSON encoding of v.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return oops.Code(CodeStoreIO).With("path", s.path(name)).Wrap(err)
	}
	data = append(data, '\n')
	return atomicWrite(s.path(name), data)
}

func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return ioError("create temp file", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioError("chmod temp file", tmpName, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioError("write temp file", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return ioError("sync temp file", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return ioError("close temp file", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return ioError("rename temp file", path, err)
	}
	return nil
}
