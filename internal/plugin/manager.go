// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/store"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// Records persists installed-plugin metadata. *store.Store implements it.
type Records interface {
	ListPlugins() ([]store.PluginRecord, error)
	GetPlugin(name string) (store.PluginRecord, bool, error)
	PutPlugin(ctx context.Context, rec store.PluginRecord) error
	SetPluginStatus(ctx context.Context, name string, status store.PluginStatus, reason string) error
	DeletePlugin(ctx context.Context, name string) (bool, error)
}

// Installed pairs a persisted record with its runtime state.
type Installed struct {
	store.PluginRecord
	Loaded bool
}

// Manager installs plugins into the plugins directory and keeps the set of
// loaded plugins in step with their persisted status.
type Manager struct {
	pluginsDir      string
	loader          *Loader
	records         Records
	dispatcher      *Dispatcher
	client          *http.Client
	backoff         func() retry.Backoff
	maxArchiveBytes int64

	mu sync.Mutex
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithDispatcher announces enable and disable through d.
func WithDispatcher(d *Dispatcher) ManagerOption {
	return func(m *Manager) {
		m.dispatcher = d
	}
}

// WithHTTPClient sets the client used to download plugin archives.
func WithHTTPClient(c *http.Client) ManagerOption {
	return func(m *Manager) {
		m.client = c
	}
}

// WithDownloadBackoff sets the retry policy for archive downloads. fn is
// called once per download.
func WithDownloadBackoff(fn func() retry.Backoff) ManagerOption {
	return func(m *Manager) {
		m.backoff = fn
	}
}

// WithMaxArchiveBytes caps downloaded and expanded archive sizes.
func WithMaxArchiveBytes(n int64) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxArchiveBytes = n
		}
	}
}

// NewManager creates a plugin manager. Unless the loader already has a
// degraded handler, the manager installs one that persists the degraded
// status.
func NewManager(pluginsDir string, loader *Loader, records Records, opts ...ManagerOption) *Manager {
	if abs, err := filepath.Abs(pluginsDir); err == nil {
		pluginsDir = abs
	}
	m := &Manager{
		pluginsDir:      pluginsDir,
		loader:          loader,
		records:         records,
		client:          &http.Client{Timeout: 2 * time.Minute},
		backoff:         defaultDownloadBackoff,
		maxArchiveBytes: DefaultMaxArchiveBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	if loader.onDegraded == nil {
		loader.onDegraded = m.markDegraded
	}
	return m
}

// Install copies a plugin from a local directory, a local .zip or an
// http(s) .zip URL into the plugins directory and records it. The manifest
// and artifact are validated before anything is moved into place. The
// plugin stays disabled unless enable is set.
func (m *Manager) Install(ctx context.Context, source string, enable bool) (store.PluginRecord, error) {
	rec, err := m.install(ctx, source)
	if err != nil {
		return store.PluginRecord{}, err
	}
	if !enable {
		return rec, nil
	}
	if err := m.Enable(ctx, rec.Name); err != nil {
		return rec, err
	}
	rec.Status = store.PluginEnabled
	return rec, nil
}

func (m *Manager) install(ctx context.Context, source string) (store.PluginRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.pluginsDir, 0o750); err != nil {
		return store.PluginRecord{}, oops.Code(CodeLoadFailed).With("dir", m.pluginsDir).Wrap(err)
	}
	staging, err := os.MkdirTemp(m.pluginsDir, ".install-*")
	if err != nil {
		return store.PluginRecord{}, oops.Code(CodeLoadFailed).Wrap(err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := m.stage(ctx, source, staging); err != nil {
		return store.PluginRecord{}, oops.Code(CodeLoadFailed).With("source", source).Wrap(err)
	}
	root, err := findManifest(staging)
	if err != nil {
		return store.PluginRecord{}, err
	}
	manifest, err := ReadManifest(filepath.Join(root, ManifestFile))
	if err != nil {
		return store.PluginRecord{}, err
	}
	if err := CheckAPIVersion(manifest.APIVersion, m.loader.cfg.HostAPIVersion); err != nil {
		return store.PluginRecord{}, oops.With("plugin", manifest.Name).Wrap(err)
	}
	if err := verifyArtifact(manifest, root, m.loader.cfg.MaxArtifactBytes); err != nil {
		return store.PluginRecord{}, err
	}

	dest := filepath.Join(m.pluginsDir, manifest.Name)
	if _, ok, err := m.records.GetPlugin(manifest.Name); err != nil {
		return store.PluginRecord{}, err
	} else if ok {
		return store.PluginRecord{}, ErrExists(manifest.Name, dest)
	}
	if _, err := os.Lstat(dest); err == nil {
		return store.PluginRecord{}, ErrExists(manifest.Name, dest)
	}
	if err := os.Rename(root, dest); err != nil {
		return store.PluginRecord{}, oops.Code(CodeLoadFailed).With("plugin", manifest.Name).Wrap(err)
	}

	rec := store.PluginRecord{
		Name:         manifest.Name,
		Version:      manifest.Version,
		Type:         string(manifest.Type),
		ManifestPath: filepath.Join(dest, ManifestFile),
		Status:       store.PluginDisabled,
		Checksum:     manifest.Checksum,
	}
	if isURL(source) {
		rec.SourceURL = source
	}
	if err := m.records.PutPlugin(ctx, rec); err != nil {
		_ = os.RemoveAll(dest)
		return store.PluginRecord{}, err
	}
	slog.Info("installed plugin",
		"plugin", rec.Name,
		"version", rec.Version,
		"source", source)
	return rec, nil
}

func (m *Manager) stage(ctx context.Context, source, staging string) error {
	if isURL(source) {
		archive, err := download(ctx, m.client, m.backoff(), source, m.pluginsDir, m.maxArchiveBytes)
		if err != nil {
			return err
		}
		defer func() { _ = os.Remove(archive) }()
		return extractZip(archive, staging, m.maxArchiveBytes)
	}

	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyTree(source, staging)
	}
	if filepath.Ext(source) != ".zip" {
		return errors.New("plugin source must be a directory, a .zip archive or an http(s) URL")
	}
	return extractZip(source, staging, m.maxArchiveBytes)
}

// Enable loads an installed plugin and marks it enabled. Enabling a
// degraded plugin clears the degraded status.
func (m *Manager) Enable(ctx context.Context, name string) error {
	rec, err := m.record(name)
	if err != nil {
		return err
	}
	if _, err := m.loader.Load(ctx, rec.ManifestPath); err != nil {
		return err
	}
	if err := m.records.SetPluginStatus(ctx, name, store.PluginEnabled, ""); err != nil {
		return err
	}
	m.announce(ctx, pluginpkg.HookPluginEnabled, name)
	return nil
}

// Disable unloads a plugin and marks it disabled.
func (m *Manager) Disable(ctx context.Context, name string) error {
	if _, err := m.record(name); err != nil {
		return err
	}
	m.announce(ctx, pluginpkg.HookPluginDisabled, name)
	m.loader.Unload(ctx, name)
	return m.records.SetPluginStatus(ctx, name, store.PluginDisabled, "")
}

// Remove unloads a plugin, forgets it and deletes its directory. The
// plugin's data directory is kept.
func (m *Manager) Remove(ctx context.Context, name string) error {
	rec, err := m.record(name)
	if err != nil {
		return err
	}
	if m.loader.Unload(ctx, name) {
		m.announce(ctx, pluginpkg.HookPluginDisabled, name)
	}
	if _, err := m.records.DeletePlugin(ctx, name); err != nil {
		return err
	}

	dir := filepath.Dir(rec.ManifestPath)
	if rel, err := filepath.Rel(m.pluginsDir, dir); err == nil && filepath.Dir(rel) == "." && rel != "." {
		if err := os.RemoveAll(dir); err != nil {
			return oops.Code(CodeFailed).With("plugin", name).Wrap(err)
		}
	} else {
		slog.Warn("plugin directory is outside the plugins dir, leaving it in place",
			"plugin", name,
			"dir", dir)
	}
	slog.Info("removed plugin", "plugin", name)
	return nil
}

// List returns every installed plugin sorted by name.
func (m *Manager) List() ([]Installed, error) {
	recs, err := m.records.ListPlugins()
	if err != nil {
		return nil, err
	}
	out := make([]Installed, 0, len(recs))
	for _, rec := range recs {
		_, loaded := m.loader.Registry().Get(rec.Name)
		out = append(out, Installed{PluginRecord: rec, Loaded: loaded})
	}
	return out, nil
}

// LoadEnabled loads every plugin whose persisted status is enabled.
// Individual failures are logged and skipped so one broken plugin cannot
// keep the others from running.
func (m *Manager) LoadEnabled(ctx context.Context) error {
	recs, err := m.records.ListPlugins()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status != store.PluginEnabled {
			continue
		}
		if _, err := m.loader.Load(ctx, rec.ManifestPath); err != nil {
			errutil.LogError(ctx, nil, "failed to load plugin", err, "plugin", rec.Name)
		}
	}
	return nil
}

func (m *Manager) record(name string) (store.PluginRecord, error) {
	rec, ok, err := m.records.GetPlugin(name)
	if err != nil {
		return store.PluginRecord{}, err
	}
	if !ok {
		return store.PluginRecord{}, ErrNotFound(name)
	}
	return rec, nil
}

func (m *Manager) announce(ctx context.Context, hook pluginpkg.Hook, name string) {
	if m.dispatcher == nil {
		return
	}
	m.dispatcher.Dispatch(ctx, pluginpkg.HookEvent{Hook: hook, Plugin: name})
}

// markDegraded persists a capability violation. It runs on the goroutine
// that made the offending call, which may be long after ctx is gone.
func (m *Manager) markDegraded(name string, v capability.Violation) {
	if err := m.records.SetPluginStatus(context.Background(), name, store.PluginDegraded, v.String()); err != nil {
		errutil.LogError(context.Background(), nil, "failed to persist degraded plugin status", err, "plugin", name)
	}
}
