// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package plugin defines the types shared between the shellbe host and its
// plugins. Everything here crosses the plugin boundary, so nothing here may
// carry credentials.
package plugin

import "time"

// APIVersion is the plugin API version implemented by this host.
const APIVersion = "2.0.0"

// Hook identifies a lifecycle point plugins can observe.
type Hook string

// Session lifecycle hooks.
const (
	HookPreConnect     Hook = "pre_connect"
	HookPostConnect    Hook = "post_connect"
	HookConnectFailed  Hook = "connect_failed"
	HookPreDisconnect  Hook = "pre_disconnect"
	HookPostDisconnect Hook = "post_disconnect"
)

// Probe and plugin lifecycle hooks.
const (
	HookTestSuccess    Hook = "test_success"
	HookTestFailure    Hook = "test_failure"
	HookPluginEnabled  Hook = "plugin_enabled"
	HookPluginDisabled Hook = "plugin_disabled"
)

var allHooks = []Hook{
	HookPreConnect,
	HookPostConnect,
	HookConnectFailed,
	HookPreDisconnect,
	HookPostDisconnect,
	HookTestSuccess,
	HookTestFailure,
	HookPluginEnabled,
	HookPluginDisabled,
}

// AllHooks returns every hook in lifecycle order.
func AllHooks() []Hook {
	out := make([]Hook, len(allHooks))
	copy(out, allHooks)
	return out
}

// Valid reports whether h is a known hook.
func (h Hook) Valid() bool {
	for _, known := range allHooks {
		if h == known {
			return true
		}
	}
	return false
}

// ProfileSnapshot is the read-only view of a profile given to plugins.
// It deliberately omits identity files, options and anything secret.
type ProfileSnapshot struct {
	Name       string `json:"name"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	AuthMethod string `json:"auth_method"`
}

// HookEvent is delivered to plugins subscribed to Hook.
type HookEvent struct {
	Hook      Hook             `json:"hook"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Profile   *ProfileSnapshot `json:"profile,omitempty"`
	// Outcome is set on terminal hooks (connect_failed, post_disconnect, test_*).
	Outcome string `json:"outcome,omitempty"`
	// Error is the failure message on connect_failed and test_failure.
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	// Plugin names the subject of plugin_enabled / plugin_disabled.
	Plugin string `json:"plugin,omitempty"`
}
