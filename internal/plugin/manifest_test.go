// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/shellbe/shellbe/internal/plugin"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

const zeroSum = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

const luaManifest = `
name: stats
version: 1.2.0
api_version: 2.0.0
type: lua
description: Counts connections per profile
hooks:
  - post_connect
  - post_disconnect
commands:
  - name: show
    description: Print counters
capabilities:
  filesystem:
    - path: ${plugin_data}/**
      write: true
  max_duration: 2s
  max_memory_mb: 16
checksum: ` + zeroSum + `
lua-plugin:
  entry: main.lua
`

func TestParseManifest_LuaPlugin(t *testing.T) {
	m, err := plugins.ParseManifest([]byte(luaManifest))
	require.NoError(t, err)

	assert.Equal(t, "stats", m.Name)
	assert.Equal(t, "1.2.0", m.Version)
	assert.Equal(t, plugins.TypeLua, m.Type)
	assert.Equal(t, "main.lua", m.Artifact())
	assert.Equal(t, strings.Repeat("0", 64), m.ChecksumHex())
	assert.Equal(t, 2*time.Second, m.MaxDuration())
	assert.Equal(t, 16, m.Capabilities.MaxMemoryMB)
	require.Len(t, m.Capabilities.Filesystem, 1)
	assert.True(t, m.Capabilities.Filesystem[0].Write)

	cmd, ok := m.Command("show")
	require.True(t, ok)
	assert.Equal(t, "Print counters", cmd.Description)
	_, ok = m.Command("hide")
	assert.False(t, ok)

	assert.True(t, m.Subscribes(pluginpkg.HookPostConnect))
	assert.False(t, m.Subscribes(pluginpkg.HookPreConnect))
}

func TestParseManifest_BinaryPlugin(t *testing.T) {
	m, err := plugins.ParseManifest([]byte(`
name: echo
version: 0.1.0
api_version: 2.0.0
type: binary
checksum: ` + zeroSum + `
binary-plugin:
  executable: bin/echo
`))
	require.NoError(t, err)

	assert.Equal(t, plugins.TypeBinary, m.Type)
	assert.Equal(t, "bin/echo", m.Artifact())
	assert.True(t, m.Subscribes(pluginpkg.HookTestFailure), "no hooks means all hooks")
	assert.Zero(t, m.MaxDuration())
	assert.True(t, m.Grants().Empty())
}

func TestParseManifest_Invalid(t *testing.T) {
	base := func(mutate func(string) string) []byte {
		return []byte(mutate(luaManifest))
	}
	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"empty", nil, "empty"},
		{"bad yaml", []byte("name: [unterminated"), "invalid YAML"},
		{"uppercase name", base(func(s string) string { return strings.Replace(s, "name: stats", "name: Stats", 1) }), "name"},
		{"trailing hyphen", base(func(s string) string { return strings.Replace(s, "name: stats", "name: stats-", 1) }), "name"},
		{"non semver", base(func(s string) string { return strings.Replace(s, "version: 1.2.0", "version: v1", 1) }), "semantic version"},
		{"missing api version", base(func(s string) string { return strings.Replace(s, "api_version: 2.0.0\n", "", 1) }), "api_version is required"},
		{"bad checksum", base(func(s string) string { return strings.Replace(s, zeroSum, "md5:abc", 1) }), "checksum"},
		{"unknown type", base(func(s string) string { return strings.Replace(s, "type: lua", "type: wasm", 1) }), "type must be"},
		{"missing entry", base(func(s string) string { return strings.Replace(s, "  entry: main.lua", "  entry: \"\"", 1) }), "entry is required"},
		{"escaping entry", base(func(s string) string { return strings.Replace(s, "entry: main.lua", "entry: ../evil.lua", 1) }), "escapes"},
		{"absolute entry", base(func(s string) string { return strings.Replace(s, "entry: main.lua", "entry: /tmp/evil.lua", 1) }), "relative"},
		{"unknown hook", base(func(s string) string { return strings.Replace(s, "- post_connect", "- on_login", 1) }), "unknown hook"},
		{"bad duration", base(func(s string) string { return strings.Replace(s, "max_duration: 2s", "max_duration: soon", 1) }), "max_duration"},
		{"negative memory", base(func(s string) string { return strings.Replace(s, "max_memory_mb: 16", "max_memory_mb: -1", 1) }), "max_memory_mb"},
		{"duplicate command", base(func(s string) string {
			return strings.Replace(s, "  - name: show\n", "  - name: show\n  - name: show\n", 1)
		}), "declared twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := plugins.ParseManifest(tt.data)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestManifest_ValidNames(t *testing.T) {
	for _, name := range []string{"a", "a1", "my-plugin", "x" + strings.Repeat("y", 63)} {
		m := &plugins.Manifest{
			Name: name, Version: "1.0.0", APIVersion: "2.0.0", Type: plugins.TypeLua,
			Checksum: zeroSum, LuaPlugin: &plugins.LuaConfig{Entry: "main.lua"},
		}
		assert.NoError(t, m.Validate(), name)
	}

	m := &plugins.Manifest{
		Name: "x" + strings.Repeat("y", 64), Version: "1.0.0", APIVersion: "2.0.0", Type: plugins.TypeLua,
		Checksum: zeroSum, LuaPlugin: &plugins.LuaConfig{Entry: "main.lua"},
	}
	assert.Error(t, m.Validate())
}
