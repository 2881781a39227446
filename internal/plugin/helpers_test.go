// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// fakeHost is an in-memory runtime whose behavior tests swap per call kind.
type fakeHost struct {
	typ plugins.Type

	mu       sync.Mutex
	loaded   map[string]*plugins.Manifest
	limits   map[string]plugins.Limits
	events   []pluginpkg.HookEvent
	loads    int
	unloads  int
	closed   bool
	infoName string

	supportsErr error
	loadErr     error
	hook        func(ctx context.Context, name string, event pluginpkg.HookEvent) error
	command     func(ctx context.Context, name, command string, args []string) (pluginpkg.CommandResult, error)
	commands    []pluginpkg.Command
}

func newFakeHost(typ plugins.Type) *fakeHost {
	return &fakeHost{
		typ:    typ,
		loaded: make(map[string]*plugins.Manifest),
		limits: make(map[string]plugins.Limits),
	}
}

func (h *fakeHost) Type() plugins.Type { return h.typ }

func (h *fakeHost) Supports(*plugins.Manifest) error { return h.supportsErr }

func (h *fakeHost) Load(_ context.Context, m *plugins.Manifest, _ string, limits plugins.Limits) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.loadErr != nil {
		return h.loadErr
	}
	h.loads++
	h.loaded[m.Name] = m
	h.limits[m.Name] = limits
	return nil
}

func (h *fakeHost) Unload(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loaded[name]; !ok {
		return plugins.ErrPluginNotLoaded
	}
	h.unloads++
	delete(h.loaded, name)
	return nil
}

func (h *fakeHost) manifest(name string) (*plugins.Manifest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.loaded[name]
	if !ok {
		return nil, plugins.ErrPluginNotLoaded
	}
	return m, nil
}

func (h *fakeHost) Info(_ context.Context, name string) (pluginpkg.Info, error) {
	m, err := h.manifest(name)
	if err != nil {
		return pluginpkg.Info{}, err
	}
	info := pluginpkg.Info{Name: m.Name, Version: m.Version, APIVersion: m.APIVersion}
	if h.infoName != "" {
		info.Name = h.infoName
	}
	return info, nil
}

func (h *fakeHost) Commands(_ context.Context, name string) ([]pluginpkg.Command, error) {
	m, err := h.manifest(name)
	if err != nil {
		return nil, err
	}
	if h.commands != nil {
		return h.commands, nil
	}
	return m.Commands, nil
}

func (h *fakeHost) ExecuteHook(ctx context.Context, name string, event pluginpkg.HookEvent) error {
	if _, err := h.manifest(name); err != nil {
		return err
	}
	h.mu.Lock()
	h.events = append(h.events, event)
	fn := h.hook
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, event)
	}
	return nil
}

func (h *fakeHost) ExecuteCommand(ctx context.Context, name, command string, args []string) (pluginpkg.CommandResult, error) {
	if _, err := h.manifest(name); err != nil {
		return pluginpkg.CommandResult{}, err
	}
	if h.command != nil {
		return h.command(ctx, name, command, args)
	}
	return pluginpkg.CommandResult{Output: name + ":" + command + " " + strings.Join(args, " ")}, nil
}

func (h *fakeHost) Plugins() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.loaded))
	for name := range h.loaded {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (h *fakeHost) Close(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	clear(h.loaded)
	return nil
}

func (h *fakeHost) hookEvents() []pluginpkg.HookEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]pluginpkg.HookEvent(nil), h.events...)
}

// pluginSpec describes a plugin directory written by writePlugin.
type pluginSpec struct {
	name     string
	typ      plugins.Type
	hooks    []string
	commands []string
	extra    string // appended to the manifest verbatim
	code     string
	checksum string // overrides the computed checksum
}

// helperT is satisfied by *testing.T and GinkgoT().
type helperT interface {
	require.TestingT
	Helper()
}

// writePlugin creates <parent>/<name>/ with a manifest and artifact and
// returns the manifest path.
func writePlugin(t helperT, parent string, spec pluginSpec) string {
	t.Helper()
	if spec.typ == "" {
		spec.typ = plugins.TypeLua
	}
	if spec.code == "" {
		spec.code = "function on_hook(event) end\n"
	}
	dir := filepath.Join(parent, spec.name)
	require.NoError(t, os.MkdirAll(dir, 0o750))

	artifact := "main.lua"
	section := "lua-plugin:\n  entry: main.lua\n"
	if spec.typ == plugins.TypeBinary {
		artifact = "plugin"
		section = "binary-plugin:\n  executable: plugin\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact), []byte(spec.code), 0o700))

	sum := sha256.Sum256([]byte(spec.code))
	checksum := "sha256:" + hex.EncodeToString(sum[:])
	if spec.checksum != "" {
		checksum = spec.checksum
	}

	var b strings.Builder
	b.WriteString("name: " + spec.name + "\n")
	b.WriteString("version: 1.0.0\n")
	b.WriteString("api_version: 2.0.0\n")
	b.WriteString("type: " + string(spec.typ) + "\n")
	if len(spec.hooks) > 0 {
		b.WriteString("hooks:\n")
		for _, h := range spec.hooks {
			b.WriteString("  - " + h + "\n")
		}
	}
	if len(spec.commands) > 0 {
		b.WriteString("commands:\n")
		for _, c := range spec.commands {
			b.WriteString("  - name: " + c + "\n")
		}
	}
	b.WriteString(spec.extra)
	b.WriteString("checksum: " + checksum + "\n")
	b.WriteString(section)

	path := filepath.Join(dir, plugins.ManifestFile)
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

// loaderFixture wires a loader around fake runtimes in a temp tree.
type loaderFixture struct {
	root     string
	plugins  string
	enforcer *capability.Enforcer
	funcs    *hostfunc.Functions
	registry *plugins.Registry
	lua      *fakeHost
	binary   *fakeHost
	loader   *plugins.Loader
}

func newLoaderFixture(t *testing.T, cfg plugins.LoaderConfig, opts ...plugins.LoaderOption) *loaderFixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &loaderFixture{
		root:     root,
		plugins:  filepath.Join(root, "plugins"),
		enforcer: capability.NewEnforcer(),
		registry: plugins.NewRegistry(),
		lua:      newFakeHost(plugins.TypeLua),
		binary:   newFakeHost(plugins.TypeBinary),
	}
	f.funcs = hostfunc.New(f.enforcer, filepath.Join(root, "plugin-data"))
	if cfg.Policy.AllowedPaths == nil {
		cfg.Policy.AllowedPaths = []string{"${plugin_data}/**", "${plugin_dir}/**"}
	}
	opts = append([]plugins.LoaderOption{plugins.WithHost(f.lua), plugins.WithHost(f.binary)}, opts...)
	f.loader = plugins.NewLoader(f.enforcer, f.funcs, f.registry, cfg, opts...)
	t.Cleanup(func() { _ = f.loader.Close(context.Background()) })
	return f
}
