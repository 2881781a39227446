// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package config loads shellbe configuration from defaults, a YAML file and
// command-line flags, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/shellbe/shellbe/internal/xdg"
)

// Default values.
const (
	DefaultLogFormat       = "text"
	DefaultLogLevel        = "warn"
	DefaultLockTimeout     = 5 * time.Second
	DefaultConnectTimeout  = 15 * time.Second
	DefaultTeardownTimeout = 5 * time.Second
	DefaultHookTimeout     = 3 * time.Second
	DefaultCommandTimeout  = 60 * time.Second
	DefaultHookBudget      = 10 * time.Second
	DefaultMaxMemoryMB     = 64
	DefaultMaxArtifactMB   = 10
)

// Config is the full shellbe configuration.
type Config struct {
	DataDir     string  `koanf:"data_dir"`
	LogFormat   string  `koanf:"log_format"`
	LogLevel    string  `koanf:"log_level"`
	MetricsFile string  `koanf:"metrics_file"`
	MetricsAddr string  `koanf:"metrics_addr"`
	Lock        Lock    `koanf:"lock"`
	Session     Session `koanf:"session"`
	Plugins     Plugins `koanf:"plugins"`
}

// Lock configures the store's advisory lock.
type Lock struct {
	Timeout time.Duration `koanf:"timeout"`
}

// Session configures the SSH transport and orchestrator.
type Session struct {
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	TeardownTimeout time.Duration `koanf:"teardown_timeout"`
	KnownHosts      string        `koanf:"known_hosts"`
	StrictHostKey   bool          `koanf:"strict_host_key"`
}

// Plugins configures the plugin runtime and the host's capability maxima.
type Plugins struct {
	Dir              string        `koanf:"dir"`
	HookTimeout      time.Duration `koanf:"hook_timeout"`
	CommandTimeout   time.Duration `koanf:"command_timeout"`
	HookBudget       time.Duration `koanf:"hook_budget"`
	MaxMemoryMB      int           `koanf:"max_memory_mb"`
	MaxArtifactMB    int           `koanf:"max_artifact_mb"`
	AllowedPaths     []string      `koanf:"allowed_paths"`
	AllowedEndpoints []string      `koanf:"allowed_endpoints"`
}

// Default returns the configuration used when nothing is overridden.
// Directory fields are left empty and filled from XDG paths by Load.
func Default() Config {
	return Config{
		LogFormat: DefaultLogFormat,
		LogLevel:  DefaultLogLevel,
		Lock:      Lock{Timeout: DefaultLockTimeout},
		Session: Session{
			ConnectTimeout:  DefaultConnectTimeout,
			TeardownTimeout: DefaultTeardownTimeout,
		},
		Plugins: Plugins{
			HookTimeout:    DefaultHookTimeout,
			CommandTimeout: DefaultCommandTimeout,
			HookBudget:     DefaultHookBudget,
			MaxMemoryMB:    DefaultMaxMemoryMB,
			MaxArtifactMB:  DefaultMaxArtifactMB,
			AllowedPaths:   []string{"${plugin_data}/**", "${plugin_dir}/**"},
		},
	}
}

// Load builds the configuration. path may be empty, in which case the XDG
// config file is used if it exists. A missing explicit path is an error.
// flags may be nil; only flags the user changed override file values.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		var err error
		path, err = xdg.ConfigFile()
		if err != nil {
			return nil, oops.In("config").Wrap(err)
		}
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, oops.In("config").With("path", path).Hint("failed to read config file").Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, flagKey(flags)), nil); err != nil {
			return nil, oops.In("config").Hint("failed to read flags").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("config").With("path", path).Hint("failed to decode config").Wrap(err)
	}

	if err := cfg.fillDirs(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// flagKey maps "--log-format" style flags onto "log_format" keys and skips
// flags the user did not set, so file values are not clobbered by flag defaults.
func flagKey(fs *pflag.FlagSet) func(f *pflag.Flag) (string, interface{}) {
	return func(f *pflag.Flag) (string, interface{}) {
		if !f.Changed {
			return "", nil
		}
		return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(fs, f)
	}
}

func (c *Config) fillDirs() error {
	if c.DataDir == "" {
		dir, err := xdg.DataDir()
		if err != nil {
			return oops.In("config").Wrap(err)
		}
		c.DataDir = dir
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = filepath.Join(c.DataDir, "plugins")
	}
	if c.Session.KnownHosts == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Session.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return invalid("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	positive := map[string]time.Duration{
		"lock.timeout":             c.Lock.Timeout,
		"session.connect_timeout":  c.Session.ConnectTimeout,
		"session.teardown_timeout": c.Session.TeardownTimeout,
		"plugins.hook_timeout":     c.Plugins.HookTimeout,
		"plugins.command_timeout":  c.Plugins.CommandTimeout,
		"plugins.hook_budget":      c.Plugins.HookBudget,
	}
	for key, d := range positive {
		if d <= 0 {
			return invalid("%s must be positive, got %s", key, d)
		}
	}
	if c.Plugins.MaxMemoryMB < 0 {
		return invalid("plugins.max_memory_mb must not be negative")
	}
	if c.Plugins.MaxArtifactMB <= 0 {
		return invalid("plugins.max_artifact_mb must be positive")
	}
	return nil
}

func invalid(format string, args ...any) error {
	return oops.In("config").Code("INVALID_CONFIG").Errorf("invalid configuration: %s", fmt.Sprintf(format, args...))
}
