// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package plugin discovers, loads, sandboxes and invokes shellbe plugins.
package plugin

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/shellbe/shellbe/internal/plugin/capability"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// ManifestFile is the manifest file name inside a plugin directory.
const ManifestFile = "plugin.yaml"

// Type identifies the plugin runtime.
type Type string

// Plugin types supported by the system.
const (
	TypeLua    Type = "lua"
	TypeBinary Type = "binary"
)

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string              `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string              `yaml:"version" json:"version" jsonschema:"description=Semantic version of the plugin"`
	APIVersion   string              `yaml:"api_version" json:"api_version" jsonschema:"description=Plugin API version the plugin was built against"`
	Type         Type                `yaml:"type" json:"type" jsonschema:"enum=lua,enum=binary"`
	Description  string              `yaml:"description,omitempty" json:"description,omitempty"`
	Author       string              `yaml:"author,omitempty" json:"author,omitempty"`
	SourceURL    string              `yaml:"source_url,omitempty" json:"source_url,omitempty"`
	Hooks        []pluginpkg.Hook    `yaml:"hooks,omitempty" json:"hooks,omitempty" jsonschema:"description=Subscribed hooks; empty subscribes to all"`
	Commands     []pluginpkg.Command `yaml:"commands,omitempty" json:"commands,omitempty"`
	Capabilities Capabilities        `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Checksum     string              `yaml:"checksum" json:"checksum" jsonschema:"pattern=^sha256:[0-9a-f]{64}$"`
	LuaPlugin    *LuaConfig          `yaml:"lua-plugin,omitempty" json:"lua-plugin,omitempty"`
	BinaryPlugin *BinaryConfig       `yaml:"binary-plugin,omitempty" json:"binary-plugin,omitempty"`
}

// Capabilities is what a plugin asks the host to grant.
type Capabilities struct {
	Filesystem  []capability.PathGrant `yaml:"filesystem,omitempty" json:"filesystem,omitempty"`
	Network     []string               `yaml:"network,omitempty" json:"network,omitempty" jsonschema:"description=host:port globs"`
	MaxDuration string                 `yaml:"max_duration,omitempty" json:"max_duration,omitempty" jsonschema:"description=Upper bound on any single call such as 2s"`
	MaxMemoryMB int                    `yaml:"max_memory_mb,omitempty" json:"max_memory_mb,omitempty" jsonschema:"minimum=0"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" json:"entry"`
}

// BinaryConfig holds binary plugin configuration.
type BinaryConfig struct {
	Executable string `yaml:"executable" json:"executable"`
}

const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens, not ending in a hyphen.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

var checksumPattern = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
	}
	if m.APIVersion == "" {
		return fmt.Errorf("api_version is required")
	}
	if _, err := semver.StrictNewVersion(m.APIVersion); err != nil {
		return fmt.Errorf("api_version %q is not a semantic version: %w", m.APIVersion, err)
	}

	if !checksumPattern.MatchString(m.Checksum) {
		return fmt.Errorf("checksum must be sha256:<64 lowercase hex digits>")
	}

	switch m.Type {
	case TypeLua:
		if m.LuaPlugin == nil {
			return fmt.Errorf("lua-plugin is required when type is lua")
		}
		if m.LuaPlugin.Entry == "" {
			return fmt.Errorf("lua-plugin.entry is required")
		}
	case TypeBinary:
		if m.BinaryPlugin == nil {
			return fmt.Errorf("binary-plugin is required when type is binary")
		}
		if m.BinaryPlugin.Executable == "" {
			return fmt.Errorf("binary-plugin.executable is required")
		}
	default:
		return fmt.Errorf("type must be 'lua' or 'binary', got %q", m.Type)
	}
	if err := validArtifactPath(m.Artifact()); err != nil {
		return err
	}

	for _, h := range m.Hooks {
		if !h.Valid() {
			return fmt.Errorf("unknown hook %q", h)
		}
	}

	seen := make(map[string]bool, len(m.Commands))
	for _, c := range m.Commands {
		if c.Name == "" || !namePattern.MatchString(c.Name) {
			return fmt.Errorf("command name %q must start with a-z and contain only a-z, 0-9 and hyphens", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("command %q declared twice", c.Name)
		}
		seen[c.Name] = true
	}

	if m.Capabilities.MaxDuration != "" {
		d, err := time.ParseDuration(m.Capabilities.MaxDuration)
		if err != nil || d <= 0 {
			return fmt.Errorf("capabilities.max_duration %q must be a positive duration", m.Capabilities.MaxDuration)
		}
	}
	if m.Capabilities.MaxMemoryMB < 0 {
		return fmt.Errorf("capabilities.max_memory_mb must not be negative")
	}

	return nil
}

// validArtifactPath rejects artifact paths that could escape the plugin
// directory before any filesystem access happens.
func validArtifactPath(p string) error {
	if filepath.IsAbs(p) {
		return fmt.Errorf("artifact path %q must be relative to the plugin directory", p)
	}
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("artifact path %q escapes the plugin directory", p)
	}
	return nil
}

// Artifact returns the manifest-relative path of the code to execute.
func (m *Manifest) Artifact() string {
	switch m.Type {
	case TypeLua:
		if m.LuaPlugin != nil {
			return m.LuaPlugin.Entry
		}
	case TypeBinary:
		if m.BinaryPlugin != nil {
			return m.BinaryPlugin.Executable
		}
	}
	return ""
}

// ChecksumHex returns the hex digest from the checksum field.
func (m *Manifest) ChecksumHex() string {
	return strings.TrimPrefix(m.Checksum, "sha256:")
}

// MaxDuration returns the manifest's per-call ceiling, or zero if unset.
func (m *Manifest) MaxDuration() time.Duration {
	d, err := time.ParseDuration(m.Capabilities.MaxDuration)
	if err != nil {
		return 0
	}
	return d
}

// Subscribes reports whether the plugin wants hook. An empty hook list
// subscribes to every hook.
func (m *Manifest) Subscribes(hook pluginpkg.Hook) bool {
	if len(m.Hooks) == 0 {
		return true
	}
	for _, h := range m.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}

// Command returns the declared command with the given name.
func (m *Manifest) Command(name string) (pluginpkg.Command, bool) {
	for _, c := range m.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return pluginpkg.Command{}, false
}

// Grants returns the requested capabilities in enforcer form.
func (m *Manifest) Grants() capability.Grants {
	return capability.Grants{
		Filesystem: m.Capabilities.Filesystem,
		Network:    m.Capabilities.Network,
	}
}
