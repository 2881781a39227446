// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package pluginsdk provides the SDK for building shellbe binary plugins.
//
// Binary plugins run as separate processes and talk to the host over
// HashiCorp go-plugin's net/rpc transport. Calls the plugin makes back into
// the host (file access, HTTP, logging) travel over a brokered connection
// and are subject to the capabilities declared in the plugin's manifest.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//
//		"github.com/shellbe/shellbe/pkg/plugin"
//		"github.com/shellbe/shellbe/pkg/pluginsdk"
//	)
//
//	type notify struct{ pluginsdk.NoCommands }
//
//	func (notify) Info() plugin.Info {
//		return plugin.Info{Name: "notify", Version: "0.1.0", APIVersion: plugin.APIVersion}
//	}
//
//	func (notify) ExecuteHook(_ context.Context, host pluginsdk.Host, ev plugin.HookEvent) error {
//		return host.Log("info", "hook "+string(ev.Hook))
//	}
//
//	func main() {
//		pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: notify{}})
//	}
package pluginsdk

import (
	"context"
	"fmt"

	hashiplug "github.com/hashicorp/go-plugin"

	"github.com/shellbe/shellbe/pkg/plugin"
)

// PluginName is the key binary plugins are dispensed under.
const PluginName = "plugin"

// HandshakeConfig is the go-plugin handshake configuration.
// Both host and plugins must use the same values.
var HandshakeConfig = hashiplug.HandshakeConfig{
	ProtocolVersion:  2,
	MagicCookieKey:   "SHELLBE_PLUGIN",
	MagicCookieValue: "shellbe-plugin-v2",
}

// Plugin is the interface binary plugins implement.
type Plugin interface {
	// Info identifies the plugin. Name must match the manifest.
	Info() plugin.Info
	// Commands lists the subcommands the plugin serves.
	Commands() []plugin.Command
	// ExecuteHook observes a lifecycle event.
	ExecuteHook(ctx context.Context, host Host, event plugin.HookEvent) error
	// ExecuteCommand runs one of the plugin's subcommands.
	ExecuteCommand(ctx context.Context, host Host, name string, args []string) (plugin.CommandResult, error)
}

// Host is the API the host exposes to a running plugin. Every call is
// checked against the plugin's granted capabilities.
type Host interface {
	Log(level, message string) error
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	AppendFile(path string, data []byte) error
	ListDir(path string) ([]string, error)
	HTTPGet(url string) (HTTPResponse, error)
	// DataDir is the plugin's private data directory.
	DataDir() (string, error)
}

// HTTPResponse is the result of Host.HTTPGet.
type HTTPResponse struct {
	Status int
	Body   []byte
}

// NoCommands can be embedded by plugins that only observe hooks.
type NoCommands struct{}

// Commands implements Plugin.
func (NoCommands) Commands() []plugin.Command { return nil }

// ExecuteCommand implements Plugin.
func (NoCommands) ExecuteCommand(_ context.Context, _ Host, name string, _ []string) (plugin.CommandResult, error) {
	return plugin.CommandResult{}, fmt.Errorf("unknown command: %s", name)
}

// ServeConfig configures the plugin server.
type ServeConfig struct {
	// Plugin is the implementation to serve.
	// Required; Serve will panic if nil.
	Plugin Plugin
}

// PluginSet returns the go-plugin plugin set for impl. The host uses it with
// a nil impl to build clients.
func PluginSet(impl Plugin) hashiplug.PluginSet {
	return hashiplug.PluginSet{
		PluginName: &RPCPlugin{Impl: impl},
	}
}

// Serve starts the plugin server. This should be called from main().
// It blocks and never returns under normal operation.
func Serve(config *ServeConfig) {
	if config == nil {
		panic("pluginsdk: config cannot be nil")
	}
	if config.Plugin == nil {
		panic("pluginsdk: config.Plugin cannot be nil")
	}
	hashiplug.Serve(&hashiplug.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins:         PluginSet(config.Plugin),
	})
}
