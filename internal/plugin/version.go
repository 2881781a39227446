// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// CheckAPIVersion accepts a plugin built against pluginAPI when the host
// implements hostAPI: the major versions must match and the plugin must not
// require a newer minor or patch than the host provides.
func CheckAPIVersion(pluginAPI, hostAPI string) error {
	host, err := semver.StrictNewVersion(hostAPI)
	if err != nil {
		return oops.Code(CodeIncompatibleAPIVersion).
			With("host_api", hostAPI).
			Wrapf(err, "host API version %q is invalid", hostAPI)
	}
	want, err := semver.StrictNewVersion(pluginAPI)
	if err != nil {
		return oops.Code(CodeIncompatibleAPIVersion).
			With("plugin_api", pluginAPI).
			Wrapf(err, "plugin API version %q is invalid", pluginAPI)
	}

	incompatible := func(reason string) error {
		return oops.Code(CodeIncompatibleAPIVersion).
			With("plugin_api", pluginAPI).
			With("host_api", hostAPI).
			Errorf("plugin API %s is incompatible with host API %s: %s", pluginAPI, hostAPI, reason)
	}

	if want.Major() != host.Major() {
		return incompatible("major version differs")
	}
	if want.GreaterThan(host) {
		return incompatible("plugin requires a newer host")
	}
	return nil
}
