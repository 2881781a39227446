// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"errors"
	"time"

	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// Sentinel errors shared by runtime hosts.
var (
	// ErrHostClosed is returned when operations are attempted on a closed host.
	ErrHostClosed = errors.New("host is closed")
	// ErrPluginNotLoaded is returned when operating on a plugin that isn't loaded.
	ErrPluginNotLoaded = errors.New("plugin not loaded")
)

// Limits bounds the resources granted to one loaded plugin.
type Limits struct {
	HookTimeout    time.Duration
	CommandTimeout time.Duration
	MaxMemoryMB    int
}

// Host manages a specific plugin runtime type.
type Host interface {
	// Type is the manifest type this host runs.
	Type() Type

	// Supports returns CAPABILITY_UNSUPPORTED if the manifest requests
	// something this runtime cannot enforce.
	Supports(manifest *Manifest) error

	// Load initializes a plugin from its manifest. The artifact has already
	// been verified by the caller.
	Load(ctx context.Context, manifest *Manifest, dir string, limits Limits) error

	// Unload tears down a plugin.
	Unload(ctx context.Context, name string) error

	// Info returns the plugin's self-description.
	Info(ctx context.Context, name string) (pluginpkg.Info, error)

	// Commands returns the commands the plugin implements.
	Commands(ctx context.Context, name string) ([]pluginpkg.Command, error)

	// ExecuteHook delivers a lifecycle event.
	ExecuteHook(ctx context.Context, name string, event pluginpkg.HookEvent) error

	// ExecuteCommand runs a plugin subcommand.
	ExecuteCommand(ctx context.Context, name, command string, args []string) (pluginpkg.CommandResult, error)

	// Plugins returns names of all loaded plugins.
	Plugins() []string

	// Close shuts down the host and all plugins.
	Close(ctx context.Context) error
}
