// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/observability"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// DefaultMaxArtifactBytes caps the size of a plugin's code artifact.
const DefaultMaxArtifactBytes = 10 << 20

// DataDirs creates per-plugin data directories.
// *hostfunc.Functions implements it.
type DataDirs interface {
	EnsureDataDir(plugin string) (string, error)
}

// LoaderConfig holds the host-side limits applied to every plugin.
type LoaderConfig struct {
	// Policy bounds the capabilities a manifest may request.
	Policy capability.Policy
	// Limits are the default budgets. MaxMemoryMB is the ceiling a manifest
	// may ask for and the value used when it asks for none.
	Limits Limits
	// MaxArtifactBytes caps the artifact size; zero means the default.
	MaxArtifactBytes int64
	// HostAPIVersion defaults to the plugin API this build implements.
	HostAPIVersion string
	// Home is substituted for ${home} in capability patterns.
	Home string
}

// Loader turns a manifest on disk into a running Sandbox.
type Loader struct {
	hosts      map[Type]Host
	enforcer   *capability.Enforcer
	dataDirs   DataDirs
	registry   *Registry
	cfg        LoaderConfig
	metrics    *observability.Metrics
	onDegraded DegradedFunc
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHost registers a runtime host for its manifest type.
func WithHost(h Host) LoaderOption {
	return func(l *Loader) {
		l.hosts[h.Type()] = h
	}
}

// WithMetrics records sandbox calls in m.
func WithMetrics(m *observability.Metrics) LoaderOption {
	return func(l *Loader) {
		l.metrics = m
	}
}

// WithDegradedHandler is called when a loaded plugin is degraded.
func WithDegradedHandler(fn DegradedFunc) LoaderOption {
	return func(l *Loader) {
		l.onDegraded = fn
	}
}

// NewLoader creates a loader that registers what it loads in registry.
// Panics if enforcer, dataDirs or registry is nil.
func NewLoader(enforcer *capability.Enforcer, dataDirs DataDirs, registry *Registry, cfg LoaderConfig, opts ...LoaderOption) *Loader {
	if enforcer == nil || dataDirs == nil || registry == nil {
		panic("plugin.NewLoader: enforcer, dataDirs and registry are required")
	}
	if cfg.MaxArtifactBytes <= 0 {
		cfg.MaxArtifactBytes = DefaultMaxArtifactBytes
	}
	if cfg.HostAPIVersion == "" {
		cfg.HostAPIVersion = pluginpkg.APIVersion
	}
	l := &Loader{
		hosts:    make(map[Type]Host),
		enforcer: enforcer,
		dataDirs: dataDirs,
		registry: registry,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Registry returns the registry loaded plugins are added to.
func (l *Loader) Registry() *Registry { return l.registry }

// ReadManifest reads, schema-checks and validates a manifest file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path names a plugin manifest chosen by the user
	if err != nil {
		return nil, ErrLoadFailed(path, err)
	}
	if err := ValidateSchema(data); err != nil {
		return nil, ErrLoadFailed(path, errors.New(FormatSchemaError(err)))
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, ErrLoadFailed(path, err)
	}
	return m, nil
}

// Load validates the manifest at manifestPath, verifies its artifact and
// starts it in the matching runtime. No plugin code runs before the artifact
// checksum has been verified. Loading a path that is already loaded unloads
// the previous instance first.
func (l *Loader) Load(ctx context.Context, manifestPath string) (*Sandbox, error) {
	path, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, ErrLoadFailed(manifestPath, err)
	}
	dir := filepath.Dir(path)

	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}
	if err := CheckAPIVersion(m.APIVersion, l.cfg.HostAPIVersion); err != nil {
		return nil, oops.With("plugin", m.Name).Wrap(err)
	}
	if err := verifyArtifact(m, dir, l.cfg.MaxArtifactBytes); err != nil {
		return nil, err
	}

	host, ok := l.hosts[m.Type]
	if !ok {
		return nil, ErrLoadFailed(path, fmt.Errorf("no runtime for plugin type %q", m.Type))
	}
	if err := host.Supports(m); err != nil {
		return nil, err
	}

	limits := l.limitsFor(m)

	dataDir, err := l.dataDirs.EnsureDataDir(m.Name)
	if err != nil {
		return nil, ErrLoadFailed(path, err)
	}
	grants, err := l.cfg.Policy.Resolve(m.Name, m.Grants(), capability.Vars{
		PluginData: resolvedDir(dataDir),
		PluginDir:  resolvedDir(dir),
		Home:       resolvedDir(l.cfg.Home),
	})
	if err != nil {
		return nil, err
	}

	if prev, ok := l.registry.ByPath(path); ok {
		slog.Debug("reloading plugin", "plugin", prev.Name(), "manifest", path)
		l.Unload(ctx, prev.Name())
	}
	if existing, ok := l.registry.Get(m.Name); ok {
		return nil, ErrExists(m.Name, existing.Path())
	}

	if err := l.enforcer.SetGrants(m.Name, grants); err != nil {
		return nil, oops.Code(CodeCapabilityUnsupported).With("plugin", m.Name).Wrap(err)
	}
	if err := host.Load(ctx, m, dir, limits); err != nil {
		l.enforcer.RemoveGrants(m.Name)
		return nil, ErrLoadFailed(path, err)
	}

	sb := newSandbox(m, path, dir, host, l.enforcer, limits, l.metrics, l.onDegraded)
	if err := l.crossCheck(ctx, sb); err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}
	if err := l.registry.Add(sb); err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}

	slog.Info("loaded plugin",
		"plugin", m.Name,
		"type", string(m.Type),
		"version", m.Version)
	return sb, nil
}

// Unload closes and unregisters a plugin. It reports whether the plugin was
// loaded.
func (l *Loader) Unload(ctx context.Context, name string) bool {
	sb, ok := l.registry.Remove(name)
	if !ok {
		return false
	}
	if err := sb.Close(ctx); err != nil {
		slog.Warn("error unloading plugin", "plugin", name, "error", err)
	}
	return true
}

// Close unloads every plugin and shuts the runtimes down.
func (l *Loader) Close(ctx context.Context) error {
	errs := []error{l.registry.Close(ctx)}
	for _, h := range l.hosts {
		errs = append(errs, h.Close(ctx))
	}
	return errors.Join(errs...)
}

func (l *Loader) limitsFor(m *Manifest) Limits {
	limits := l.cfg.Limits
	want := m.Capabilities.MaxMemoryMB
	if want == 0 {
		return limits
	}
	if ceiling := l.cfg.Limits.MaxMemoryMB; ceiling > 0 && want > ceiling {
		slog.Warn("clamping plugin memory ceiling",
			"plugin", m.Name,
			"requested_mb", want,
			"max_mb", ceiling)
		want = ceiling
	}
	limits.MaxMemoryMB = want
	return limits
}

// crossCheck rejects a runtime whose self-description disagrees with its
// manifest.
func (l *Loader) crossCheck(ctx context.Context, sb *Sandbox) error {
	m := sb.Manifest()
	info, err := sb.Info(ctx)
	if err != nil {
		return ErrLoadFailed(sb.Path(), err)
	}
	if info.Name != m.Name {
		return ErrLoadFailed(sb.Path(), fmt.Errorf("runtime reports name %q, manifest declares %q", info.Name, m.Name))
	}
	if len(m.Commands) == 0 {
		return nil
	}

	cmds, err := sb.Commands(ctx)
	if err != nil {
		return ErrLoadFailed(sb.Path(), err)
	}
	served := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		served[c.Name] = true
	}
	var missing []string
	for _, c := range m.Commands {
		if !served[c.Name] {
			missing = append(missing, c.Name)
		}
	}
	if len(missing) > 0 {
		return ErrLoadFailed(sb.Path(), fmt.Errorf("runtime does not serve declared commands: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// verifyArtifact checks that the artifact is a regular file inside dir, no
// larger than maxBytes, whose SHA-256 matches the manifest.
func verifyArtifact(m *Manifest, dir string, maxBytes int64) error {
	rel := m.Artifact()
	invalid := func(reason string) error { return ErrArtifactInvalid(m.Name, rel, reason) }

	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return invalid(err.Error())
	}
	target, err := filepath.EvalSymlinks(filepath.Join(dir, filepath.FromSlash(rel)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return invalid("file does not exist")
		}
		return invalid(err.Error())
	}
	within, err := filepath.Rel(root, target)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return invalid("resolves outside the plugin directory")
	}

	info, err := os.Stat(target)
	if err != nil {
		return invalid(err.Error())
	}
	if !info.Mode().IsRegular() {
		return invalid("not a regular file")
	}
	if info.Size() > maxBytes {
		return invalid(fmt.Sprintf("size %d exceeds limit %d", info.Size(), maxBytes))
	}

	f, err := os.Open(target) //nolint:gosec // target verified to be inside the plugin directory
	if err != nil {
		return invalid(err.Error())
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, io.LimitReader(f, maxBytes+1)); err != nil {
		return invalid(err.Error())
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != m.ChecksumHex() {
		return invalid("checksum mismatch: got sha256:" + got)
	}
	return nil
}

// resolvedDir returns dir with symlinks resolved so capability patterns
// match the paths host functions authorize.
func resolvedDir(dir string) string {
	if dir == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved
	}
	return dir
}
