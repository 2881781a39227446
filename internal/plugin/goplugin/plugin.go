// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package goplugin

import (
	"context"
	"crypto/sha256"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	hashiplug "github.com/hashicorp/go-plugin"

	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
	"github.com/shellbe/shellbe/pkg/pluginsdk"
)

// PluginClient wraps go-plugin client for testability.
type PluginClient interface {
	// Client returns the RPC client protocol, starting the process if needed.
	Client() (hashiplug.ClientProtocol, error)
	// Kill terminates the plugin process.
	Kill()
}

// ClientFactory creates plugin clients.
type ClientFactory interface {
	// NewClient creates a client for the executable at execPath. The process
	// refuses to start unless its SHA-256 equals checksum.
	NewClient(execPath string, checksum []byte) PluginClient
}

// RemotePlugin is the host-side view of a dispensed plugin.
// *pluginsdk.RPCClient implements it.
type RemotePlugin interface {
	Info(ctx context.Context) (pluginpkg.Info, error)
	Commands(ctx context.Context) ([]pluginpkg.Command, error)
	ExecuteHook(ctx context.Context, host pluginsdk.Host, event pluginpkg.HookEvent) error
	ExecuteCommand(ctx context.Context, host pluginsdk.Host, name string, args []string) (pluginpkg.CommandResult, error)
}

var _ RemotePlugin = (*pluginsdk.RPCClient)(nil)

// DefaultClientFactory creates real go-plugin clients.
type DefaultClientFactory struct {
	// Logger receives go-plugin's own logs and the plugin's stderr.
	Logger hclog.Logger
}

// NewClient creates a real go-plugin client speaking net/rpc.
func (f *DefaultClientFactory) NewClient(execPath string, checksum []byte) PluginClient {
	logger := f.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return hashiplug.NewClient(&hashiplug.ClientConfig{
		HandshakeConfig:  pluginsdk.HandshakeConfig,
		Plugins:          pluginsdk.PluginSet(nil),
		Cmd:              exec.Command(execPath), // #nosec G204 -- execPath is the verified artifact from the manifest
		AllowedProtocols: []hashiplug.Protocol{hashiplug.ProtocolNetRPC},
		SecureConfig: &hashiplug.SecureConfig{
			Checksum: checksum,
			Hash:     sha256.New(),
		},
		Logger: logger,
	})
}
