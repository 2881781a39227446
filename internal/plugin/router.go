// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"

	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// Router forwards plugin subcommands to loaded plugins.
type Router struct {
	registry *Registry
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route runs command on pluginName. The plugin must be loaded and must
// declare the command in its manifest.
func (r *Router) Route(ctx context.Context, pluginName, command string, args []string) (pluginpkg.CommandResult, error) {
	sb, ok := r.registry.Get(pluginName)
	if !ok {
		return pluginpkg.CommandResult{}, ErrNotFound(pluginName)
	}
	if _, ok := sb.Manifest().Command(command); !ok {
		return pluginpkg.CommandResult{}, ErrUnknownCommand(pluginName, command)
	}
	return sb.ExecuteCommand(ctx, command, args)
}

// Commands lists the commands each loaded plugin declares, keyed by plugin.
func (r *Router) Commands() map[string][]pluginpkg.Command {
	out := make(map[string][]pluginpkg.Command)
	for _, sb := range r.registry.List() {
		if cmds := sb.Manifest().Commands; len(cmds) > 0 {
			out[sb.Name()] = cmds
		}
	}
	return out
}
