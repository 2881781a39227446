// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package capability

import (
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Error codes raised by this package.
const (
	CodeViolation   = "CAPABILITY_VIOLATION"
	CodeUnsupported = "CAPABILITY_UNSUPPORTED"
)

// Vars are the values substituted for ${...} references in patterns.
type Vars struct {
	PluginData string
	PluginDir  string
	Home       string
}

// Expand substitutes ${plugin_data}, ${plugin_dir} and ${home} in pattern.
// Substituted values are glob-quoted so directory names containing glob
// syntax match literally.
func (v Vars) Expand(pattern string) string {
	return strings.NewReplacer(
		"${plugin_data}", quote(filepath.ToSlash(v.PluginData)),
		"${plugin_dir}", quote(filepath.ToSlash(v.PluginDir)),
		"${home}", quote(filepath.ToSlash(v.Home)),
	).Replace(pattern)
}

func quote(s string) string {
	return glob.QuoteMeta(s)
}

// Policy holds the host-side maxima every plugin's grants must fit within.
type Policy struct {
	AllowedPaths     []string
	AllowedEndpoints []string
}

// Resolve expands the requested grants and checks each one against the
// policy. A request is permitted when a host pattern matches the requested
// pattern itself, and a recursive request ("**") needs a recursive host
// pattern. The expanded grants are returned on success.
func (p Policy) Resolve(plugin string, req Grants, vars Vars) (Grants, error) {
	var out Grants

	hostPaths, err := compileAll(p.AllowedPaths, vars, '/')
	if err != nil {
		return out, unsupported(plugin, "allowed_paths", err.Error())
	}
	hostEndpoints, err := compileAll(p.AllowedEndpoints, vars, '.')
	if err != nil {
		return out, unsupported(plugin, "allowed_endpoints", err.Error())
	}

	for _, pg := range req.Filesystem {
		expanded := vars.Expand(pg.Path)
		if strings.Contains(expanded, "${") {
			return Grants{}, unsupported(plugin, pg.Path, "unknown variable")
		}
		if !strings.HasPrefix(expanded, "/") {
			return Grants{}, unsupported(plugin, pg.Path, "filesystem capability must be an absolute path")
		}
		if !permits(hostPaths, expanded) {
			return Grants{}, unsupported(plugin, pg.Path, "path is outside the host allowlist")
		}
		out.Filesystem = append(out.Filesystem, PathGrant{Path: expanded, Write: pg.Write})
	}

	for _, ep := range req.Network {
		if !strings.Contains(ep, ":") {
			return Grants{}, unsupported(plugin, ep, "network capability must be host:port")
		}
		if !permits(hostEndpoints, ep) {
			return Grants{}, unsupported(plugin, ep, "endpoint is outside the host allowlist")
		}
		out.Network = append(out.Network, ep)
	}
	return out, nil
}

func compileAll(patterns []string, vars Vars, sep rune) ([]compiledGrant, error) {
	out := make([]compiledGrant, 0, len(patterns))
	for _, pattern := range patterns {
		c, err := compile(vars.Expand(pattern), sep)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func permits(host []compiledGrant, requested string) bool {
	recursive := strings.Contains(requested, "**")
	for _, h := range host {
		if recursive && !strings.Contains(h.pattern, "**") {
			continue
		}
		if h.glob.Match(requested) {
			return true
		}
	}
	return false
}

func unsupported(plugin, capability, reason string) error {
	return oops.Code(CodeUnsupported).
		With("plugin", plugin).
		With("capability", capability).
		Errorf("capability %q not permitted for %s: %s", capability, plugin, reason)
}
