// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

// Info describes a plugin as reported by the plugin itself.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	APIVersion  string `json:"api_version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
}

// Command is a subcommand contributed by a plugin.
type Command struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Usage       string `json:"usage,omitempty" yaml:"usage,omitempty"`
}

// CommandResult is what a plugin returns from a command.
type CommandResult struct {
	Output string `json:"output"`
}
