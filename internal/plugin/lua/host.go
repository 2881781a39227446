// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package lua

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// Entry points a Lua plugin defines as globals.
const (
	HookHandler    = "on_hook"
	CommandHandler = "on_command"
)

// Compile-time interface check.
var _ plugins.Host = (*Host)(nil)

// luaPlugin holds compiled Lua code for a plugin.
type luaPlugin struct {
	manifest *plugins.Manifest
	proto    *lua.FunctionProto
	limits   plugins.Limits
	hasHook  bool
}

// Host manages Lua plugins. Code is compiled once at load; every call runs
// in a fresh state so plugins keep no state between calls except through
// their data directory.
type Host struct {
	factory   *StateFactory
	hostFuncs *hostfunc.Functions
	plugins   map[string]*luaPlugin
	mu        sync.RWMutex
	closed    bool
}

// NewHost creates a Lua plugin host that exposes hf as the shellbe table.
// Panics if hf is nil (consistent with hostfunc.New).
func NewHost(hf *hostfunc.Functions) *Host {
	if hf == nil {
		panic("lua.NewHost: hostFuncs cannot be nil")
	}
	return &Host{
		factory:   NewStateFactory(),
		hostFuncs: hf,
		plugins:   make(map[string]*luaPlugin),
	}
}

// Type implements plugins.Host.
func (h *Host) Type() plugins.Type { return plugins.TypeLua }

// Supports implements plugins.Host. The Lua runtime enforces every manifest
// capability.
func (h *Host) Supports(*plugins.Manifest) error { return nil }

// Load compiles the plugin's entry file and runs its top level once to
// check the handlers it defines.
func (h *Host) Load(ctx context.Context, manifest *plugins.Manifest, dir string, limits plugins.Limits) error {
	errb := oops.In("lua").With("plugin", manifest.Name).With("operation", "load")
	if manifest.LuaPlugin == nil {
		return errb.New("manifest has no lua-plugin section")
	}

	entryPath := filepath.Join(dir, filepath.FromSlash(manifest.LuaPlugin.Entry))
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return errb.With("path", entryPath).Hint("failed to read entry file").Wrap(err)
	}

	chunk, err := parse.Parse(bytes.NewReader(code), manifest.LuaPlugin.Entry)
	if err != nil {
		return errb.With("entry", manifest.LuaPlugin.Entry).Hint("syntax error").Wrap(err)
	}
	proto, err := lua.Compile(chunk, manifest.LuaPlugin.Entry)
	if err != nil {
		return errb.With("entry", manifest.LuaPlugin.Entry).Hint("compile error").Wrap(err)
	}

	p := &luaPlugin{manifest: manifest, proto: proto, limits: limits}

	L, err := h.newState(ctx, manifest.Name, p)
	if err != nil {
		return errb.Wrap(err)
	}
	defer L.Close()

	p.hasHook = L.GetGlobal(HookHandler).Type() == lua.LTFunction
	if len(manifest.Commands) > 0 && L.GetGlobal(CommandHandler).Type() != lua.LTFunction {
		return errb.Errorf("manifest declares commands but %s is not defined", CommandHandler)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errb.Wrap(plugins.ErrHostClosed)
	}
	h.plugins[manifest.Name] = p
	return nil
}

// newState creates a sandboxed state with host functions registered and the
// plugin's top level executed.
func (h *Host) newState(ctx context.Context, name string, p *luaPlugin) (*lua.LState, error) {
	L, err := h.factory.NewState(ctx, p.limits.MaxMemoryMB)
	if err != nil {
		return nil, oops.Hint("failed to create state").Wrap(err)
	}
	h.hostFuncs.Register(L, name)

	L.Push(L.NewFunctionFromProto(p.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		L.Close()
		return nil, oops.Hint("failed to run top level").Wrap(err)
	}
	L.SetTop(0)
	return L, nil
}

func (h *Host) lookup(name, operation string) (*luaPlugin, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil, oops.In("lua").With("plugin", name).With("operation", operation).Wrap(plugins.ErrHostClosed)
	}
	p, ok := h.plugins[name]
	if !ok {
		return nil, oops.In("lua").With("plugin", name).With("operation", operation).Wrap(plugins.ErrPluginNotLoaded)
	}
	return p, nil
}

// Unload removes a plugin.
func (h *Host) Unload(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.plugins[name]; !ok {
		return oops.In("lua").With("plugin", name).With("operation", "unload").Wrap(plugins.ErrPluginNotLoaded)
	}
	delete(h.plugins, name)
	return nil
}

// Info implements plugins.Host. Lua plugins describe themselves through the
// manifest.
func (h *Host) Info(_ context.Context, name string) (pluginpkg.Info, error) {
	p, err := h.lookup(name, "info")
	if err != nil {
		return pluginpkg.Info{}, err
	}
	m := p.manifest
	return pluginpkg.Info{
		Name:        m.Name,
		Version:     m.Version,
		APIVersion:  m.APIVersion,
		Description: m.Description,
		Author:      m.Author,
		SourceURL:   m.SourceURL,
	}, nil
}

// Commands implements plugins.Host.
func (h *Host) Commands(_ context.Context, name string) ([]pluginpkg.Command, error) {
	p, err := h.lookup(name, "commands")
	if err != nil {
		return nil, err
	}
	out := make([]pluginpkg.Command, len(p.manifest.Commands))
	copy(out, p.manifest.Commands)
	return out, nil
}

// ExecuteHook calls on_hook(event). Plugins without on_hook ignore hooks.
func (h *Host) ExecuteHook(ctx context.Context, name string, event pluginpkg.HookEvent) error {
	p, err := h.lookup(name, "on_hook")
	if err != nil {
		return err
	}
	if !p.hasHook {
		slog.Debug("plugin has no hook handler", "plugin", name, "hook", string(event.Hook))
		return nil
	}

	L, err := h.newState(ctx, name, p)
	if err != nil {
		return oops.In("lua").With("plugin", name).With("operation", "on_hook").Wrap(err)
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(HookHandler),
		NRet:    0,
		Protect: true,
	}, buildEventTable(L, event)); err != nil {
		return oops.In("lua").With("plugin", name).With("operation", "on_hook").With("hook", string(event.Hook)).Wrap(err)
	}
	return nil
}

// ExecuteCommand calls on_command(name, args) and returns its result as the
// command output. Tables are rendered as JSON.
func (h *Host) ExecuteCommand(ctx context.Context, name, command string, args []string) (pluginpkg.CommandResult, error) {
	p, err := h.lookup(name, "on_command")
	if err != nil {
		return pluginpkg.CommandResult{}, err
	}

	L, err := h.newState(ctx, name, p)
	if err != nil {
		return pluginpkg.CommandResult{}, oops.In("lua").With("plugin", name).With("operation", "on_command").Wrap(err)
	}
	defer L.Close()

	if err := L.CallByParam(lua.P{
		Fn:      L.GetGlobal(CommandHandler),
		NRet:    1,
		Protect: true,
	}, lua.LString(command), hostfunc.ToLua(L, args)); err != nil {
		return pluginpkg.CommandResult{}, oops.In("lua").With("plugin", name).With("operation", "on_command").With("command", command).Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	output, err := renderOutput(ret)
	if err != nil {
		return pluginpkg.CommandResult{}, oops.In("lua").With("plugin", name).With("command", command).Wrap(err)
	}
	return pluginpkg.CommandResult{Output: output}, nil
}

// Plugins returns names of loaded plugins.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down the host.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.plugins = nil
	return nil
}
