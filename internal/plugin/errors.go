// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"time"

	"github.com/samber/oops"

	"github.com/shellbe/shellbe/internal/plugin/capability"
)

// Error codes for plugin loading and invocation.
const (
	CodeIncompatibleAPIVersion = "INCOMPATIBLE_API_VERSION"
	CodeArtifactInvalid        = "ARTIFACT_INVALID"
	CodeCapabilityUnsupported  = capability.CodeUnsupported
	CodeLoadFailed             = "LOAD_FAILED"
	CodeCapabilityViolation    = capability.CodeViolation
	CodeTimeout                = "PLUGIN_TIMEOUT"
	CodeNotFound               = "PLUGIN_NOT_FOUND"
	CodeUnknownCommand         = "UNKNOWN_COMMAND"
	CodeDegraded               = "PLUGIN_DEGRADED"
	CodeFailed                 = "PLUGIN_FAILED"
	CodeExists                 = "PLUGIN_EXISTS"
)

// ErrLoadFailed wraps a failure to parse, validate or start a plugin.
func ErrLoadFailed(path string, err error) error {
	return oops.Code(CodeLoadFailed).
		With("manifest", path).
		Wrapf(err, "load plugin %s", path)
}

// ErrArtifactInvalid reports an artifact that failed integrity checks.
func ErrArtifactInvalid(name, artifact, reason string) error {
	return oops.Code(CodeArtifactInvalid).
		With("plugin", name).
		With("artifact", artifact).
		Errorf("plugin %s artifact %s: %s", name, artifact, reason)
}

// ErrNotFound reports a plugin that is not loaded or not enabled.
func ErrNotFound(name string) error {
	return oops.Code(CodeNotFound).
		With("plugin", name).
		Hint("run 'shellbe plugin list' to see installed plugins").
		Errorf("plugin not found: %s", name)
}

// ErrUnknownCommand reports a command the plugin does not declare.
func ErrUnknownCommand(pluginName, command string) error {
	return oops.Code(CodeUnknownCommand).
		With("plugin", pluginName).
		With("command", command).
		Errorf("plugin %s has no command %q", pluginName, command)
}

// ErrTimeout reports a call that exceeded its budget.
func ErrTimeout(name, kind string, budget time.Duration) error {
	return oops.Code(CodeTimeout).
		With("plugin", name).
		With("kind", kind).
		With("budget", budget.String()).
		Errorf("plugin %s %s call exceeded %s", name, kind, budget)
}

// ErrDegraded reports a call to a plugin that has been disabled after a
// capability violation.
func ErrDegraded(name, reason string) error {
	return oops.Code(CodeDegraded).
		With("plugin", name).
		With("reason", reason).
		Hint("re-enable with 'shellbe plugin enable " + name + "'").
		Errorf("plugin %s is degraded: %s", name, reason)
}

// ErrFailed wraps a plugin crash, panic or error result.
func ErrFailed(name, kind string, err error) error {
	return oops.Code(CodeFailed).
		With("plugin", name).
		With("kind", kind).
		Wrapf(err, "plugin %s %s call failed", name, kind)
}

// ErrExists reports a second manifest claiming a loaded plugin's name.
func ErrExists(name, existing string) error {
	return oops.Code(CodeExists).
		With("plugin", name).
		With("existing", existing).
		Errorf("plugin %s is already loaded from %s", name, existing)
}

// ErrCapabilityViolation reports access outside the plugin's grants. The
// plugin is degraded when this is returned.
func ErrCapabilityViolation(name string, v capability.Violation) error {
	return oops.Code(CodeCapabilityViolation).
		With("plugin", name).
		With("access", string(v.Access)).
		With("target", v.Target).
		Hint("re-enable with 'shellbe plugin enable " + name + "' after reviewing the plugin").
		Errorf("plugin %s attempted to %s and has been disabled", name, v)
}
