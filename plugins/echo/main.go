// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Command echo is an example binary plugin. It appends every hook it sees
// to events.log in its data directory and serves two commands: "say", which
// echoes its arguments, and "log", which prints the most recent events.
//
// Build it next to its manifest, then stamp the manifest with the binary's
// checksum before installing:
//
//	go build -o plugins/echo/echo ./plugins/echo
//	shellbe plugin checksum --write plugins/echo
//	shellbe plugin install plugins/echo --enable
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shellbe/shellbe/pkg/plugin"
	"github.com/shellbe/shellbe/pkg/pluginsdk"
)

const (
	logFile     = "events.log"
	defaultTail = 10
)

type echo struct{}

// logLine is one events.log record.
type logLine struct {
	Time      string `json:"time"`
	Hook      string `json:"hook"`
	SessionID string `json:"session_id,omitempty"`
	Profile   string `json:"profile,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
	Plugin    string `json:"plugin,omitempty"`
}

func (echo) Info() plugin.Info {
	return plugin.Info{
		Name:        "echo",
		Version:     "1.0.0",
		APIVersion:  plugin.APIVersion,
		Description: "Logs lifecycle hooks and echoes arguments",
		Author:      "ShellBe Contributors",
	}
}

func (echo) Commands() []plugin.Command {
	return []plugin.Command{
		{Name: "say", Description: "Echo the arguments back", Usage: "shellbe plugin run echo say <words...>"},
		{Name: "log", Description: "Show the most recent hook events", Usage: "shellbe plugin run echo log [count]"},
	}
}

func (echo) ExecuteHook(_ context.Context, host pluginsdk.Host, event plugin.HookEvent) error {
	line := logLine{
		Time:      event.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Hook:      string(event.Hook),
		SessionID: event.SessionID,
		Outcome:   event.Outcome,
		Plugin:    event.Plugin,
	}
	if event.Profile != nil {
		line.Profile = event.Profile.Name
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	path, err := dataPath(host)
	if err != nil {
		return err
	}
	return host.AppendFile(path, append(data, '\n'))
}

func (echo) ExecuteCommand(_ context.Context, host pluginsdk.Host, name string, args []string) (plugin.CommandResult, error) {
	switch name {
	case "say":
		return plugin.CommandResult{Output: strings.Join(args, " ")}, nil
	case "log":
		return tail(host, args)
	}
	return plugin.CommandResult{}, fmt.Errorf("unknown command: %s", name)
}

func tail(host pluginsdk.Host, args []string) (plugin.CommandResult, error) {
	n := defaultTail
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return plugin.CommandResult{}, fmt.Errorf("count must be a positive integer, got %q", args[0])
		}
		n = v
	}
	path, err := dataPath(host)
	if err != nil {
		return plugin.CommandResult{}, err
	}
	data, err := host.ReadFile(path)
	if err != nil || len(data) == 0 {
		return plugin.CommandResult{Output: "no events recorded"}, nil //nolint:nilerr // a missing log is an empty log
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	var b strings.Builder
	for _, raw := range lines {
		var l logLine
		if json.Unmarshal([]byte(raw), &l) != nil {
			continue
		}
		fmt.Fprintf(&b, "%s  %-16s %s", l.Time, l.Hook, l.Profile)
		if l.Outcome != "" {
			fmt.Fprintf(&b, " (%s)", l.Outcome)
		}
		if l.Plugin != "" {
			fmt.Fprintf(&b, " [%s]", l.Plugin)
		}
		b.WriteByte('\n')
	}
	return plugin.CommandResult{Output: strings.TrimRight(b.String(), "\n")}, nil
}

func dataPath(host pluginsdk.Host) (string, error) {
	dir, err := host.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, logFile), nil
}

func main() {
	pluginsdk.Serve(&pluginsdk.ServeConfig{Plugin: echo{}})
}
