// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package goplugin provides a Host implementation for binary plugins
// using HashiCorp's go-plugin system over net/rpc.
//
// Each plugin runs in its own process. Calls that overrun their deadline
// kill the process; it is started again on the next call.
package goplugin

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/rpc"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
	"github.com/shellbe/shellbe/pkg/pluginsdk"
)

// ErrPluginAlreadyLoaded is returned when loading a plugin that's already loaded.
var ErrPluginAlreadyLoaded = errors.New("plugin already loaded")

// Compile-time interface check.
var _ plugin.Host = (*Host)(nil)

// Host manages binary plugins via HashiCorp go-plugin.
type Host struct {
	hostFuncs     *hostfunc.Functions
	clientFactory ClientFactory
	plugins       map[string]*loadedPlugin
	mu            sync.RWMutex
	closed        bool
}

// loadedPlugin holds state for a single loaded binary plugin.
type loadedPlugin struct {
	manifest *plugin.Manifest
	execPath string
	checksum []byte

	mu     sync.Mutex
	client PluginClient
	remote RemotePlugin
}

// NewHost creates a new binary plugin host.
// Panics if hf is nil.
func NewHost(hf *hostfunc.Functions) *Host {
	return NewHostWithFactory(hf, &DefaultClientFactory{})
}

// NewHostWithFactory creates a host with a custom client factory.
// Panics if hf or factory is nil.
func NewHostWithFactory(hf *hostfunc.Functions, factory ClientFactory) *Host {
	if hf == nil {
		panic("goplugin: hostFuncs cannot be nil")
	}
	if factory == nil {
		panic("goplugin: factory cannot be nil")
	}
	return &Host{
		hostFuncs:     hf,
		clientFactory: factory,
		plugins:       make(map[string]*loadedPlugin),
	}
}

// Type implements plugin.Host.
func (h *Host) Type() plugin.Type { return plugin.TypeBinary }

// Supports rejects capabilities a separate process cannot be held to.
func (h *Host) Supports(manifest *plugin.Manifest) error {
	if manifest.Capabilities.MaxMemoryMB > 0 {
		return oops.Code(plugin.CodeCapabilityUnsupported).
			With("plugin", manifest.Name).
			With("capability", "max_memory_mb").
			Errorf("binary plugins cannot enforce max_memory_mb")
	}
	return nil
}

// Load starts the plugin process and dispenses its RPC client.
func (h *Host) Load(_ context.Context, manifest *plugin.Manifest, dir string, _ plugin.Limits) error {
	if manifest.BinaryPlugin == nil {
		return fmt.Errorf("plugin %s is not a binary plugin", manifest.Name)
	}

	execPath := filepath.Join(dir, filepath.FromSlash(manifest.BinaryPlugin.Executable))
	if _, err := os.Stat(execPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("plugin executable not found: %s: %w", execPath, err)
		}
		return fmt.Errorf("cannot access plugin executable %s: %w", execPath, err)
	}

	checksum, err := hex.DecodeString(manifest.ChecksumHex())
	if err != nil {
		return fmt.Errorf("plugin %s has malformed checksum: %w", manifest.Name, err)
	}

	p := &loadedPlugin{manifest: manifest, execPath: execPath, checksum: checksum}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return plugin.ErrHostClosed
	}
	if _, ok := h.plugins[manifest.Name]; ok {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, manifest.Name)
	}

	if _, err := p.start(h.clientFactory); err != nil {
		return err
	}
	h.plugins[manifest.Name] = p
	return nil
}

// start returns the running plugin, launching the process if it is not up.
func (p *loadedPlugin) start(factory ClientFactory) (RemotePlugin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.remote != nil {
		return p.remote, nil
	}

	client := factory.NewClient(p.execPath, p.checksum)
	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to connect to plugin %s: %w", p.manifest.Name, err)
	}

	raw, err := rpcClient.Dispense(pluginsdk.PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense plugin %s: %w", p.manifest.Name, err)
	}

	remote, ok := raw.(RemotePlugin)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement RemotePlugin", p.manifest.Name)
	}

	p.client = client
	p.remote = remote
	return remote, nil
}

// stop kills the process; the next call starts a new one.
func (p *loadedPlugin) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		p.client.Kill()
	}
	p.client = nil
	p.remote = nil
}

// Unload tears down a plugin.
func (h *Host) Unload(_ context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return plugin.ErrHostClosed
	}

	p, ok := h.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotLoaded, name)
	}
	p.stop()
	delete(h.plugins, name)
	return nil
}

// call runs fn against the plugin's process.
//
// The RLock is released before making the RPC call to avoid serializing
// all plugin calls. If Close() or Unload() runs concurrently, the call
// fails when the process is killed.
func (h *Host) call(ctx context.Context, name string, fn func(RemotePlugin) error) error {
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return plugin.ErrHostClosed
	}
	p, ok := h.plugins[name]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotLoaded, name)
	}

	remote, err := p.start(h.clientFactory)
	if err != nil {
		return err
	}

	err = fn(remote)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		slog.Warn("killing plugin process after abandoned call",
			"plugin", name,
			"error", ctx.Err())
		p.stop()
	case errors.Is(err, rpc.ErrShutdown):
		slog.Warn("plugin process exited, restarting on next call", "plugin", name)
		p.stop()
	}
	return err
}

// Info implements plugin.Host.
func (h *Host) Info(ctx context.Context, name string) (pluginpkg.Info, error) {
	var info pluginpkg.Info
	err := h.call(ctx, name, func(r RemotePlugin) error {
		var err error
		info, err = r.Info(ctx)
		return err
	})
	return info, err
}

// Commands implements plugin.Host.
func (h *Host) Commands(ctx context.Context, name string) ([]pluginpkg.Command, error) {
	var cmds []pluginpkg.Command
	err := h.call(ctx, name, func(r RemotePlugin) error {
		var err error
		cmds, err = r.Commands(ctx)
		return err
	})
	return cmds, err
}

// ExecuteHook implements plugin.Host. Host functions are served back to the
// plugin for the duration of the call.
func (h *Host) ExecuteHook(ctx context.Context, name string, event pluginpkg.HookEvent) error {
	return h.call(ctx, name, func(r RemotePlugin) error {
		return r.ExecuteHook(ctx, h.hostFuncs.For(ctx, name), event)
	})
}

// ExecuteCommand implements plugin.Host.
func (h *Host) ExecuteCommand(ctx context.Context, name, command string, args []string) (pluginpkg.CommandResult, error) {
	var result pluginpkg.CommandResult
	err := h.call(ctx, name, func(r RemotePlugin) error {
		var err error
		result, err = r.ExecuteCommand(ctx, h.hostFuncs.For(ctx, name), command, args)
		return err
	})
	return result, err
}

// Plugins returns names of all loaded plugins.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down the host and all plugins.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.plugins {
		p.stop()
	}

	h.closed = true
	clear(h.plugins)
	return nil
}
