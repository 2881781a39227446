// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/shellbe/shellbe/internal/config"
	"github.com/shellbe/shellbe/internal/logging"
	"github.com/shellbe/shellbe/internal/observability"
	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/plugin/goplugin"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginlua "github.com/shellbe/shellbe/internal/plugin/lua"
	"github.com/shellbe/shellbe/internal/session"
	"github.com/shellbe/shellbe/internal/sshx"
	"github.com/shellbe/shellbe/internal/store"
	"github.com/shellbe/shellbe/internal/xdg"
)

// shutdownTimeout bounds plugin and metrics server teardown on exit.
const shutdownTimeout = 5 * time.Second

// app holds what subcommands share. Expensive parts (the store, the plugin
// runtime) are built on first use so cheap commands stay cheap.
type app struct {
	version    string
	configFile string
	stderr     io.Writer

	cfg      *config.Config
	registry *prometheus.Registry
	metrics  *observability.Metrics
	server   *observability.Server

	store   *store.Store
	runtime *pluginRuntime

	// newTransport and prompter are replaced in tests.
	newTransport func(cfg *config.Config) *sshx.Transport
	prompter     sshx.Prompter
}

// pluginRuntime is the loaded plugin system.
type pluginRuntime struct {
	loader     *plugins.Loader
	dispatcher *plugins.Dispatcher
	router     *plugins.Router
	manager    *plugins.Manager
}

func newApp(version string) *app {
	a := &app{
		version:  version,
		stderr:   os.Stderr,
		prompter: sshx.TerminalPrompter{},
	}
	a.newTransport = func(cfg *config.Config) *sshx.Transport {
		return sshx.New(sshx.Config{
			KnownHosts:     cfg.Session.KnownHosts,
			StrictHostKey:  cfg.Session.StrictHostKey,
			ConnectTimeout: cfg.Session.ConnectTimeout,
		}, sshx.WithPrompter(a.prompter))
	}
	return a
}

// init loads configuration and sets up logging and metrics.
func (a *app) init(cmd *cobra.Command) error {
	if a.cfg != nil {
		return nil
	}
	a.stderr = cmd.ErrOrStderr()

	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.SetDefault("shellbe", a.version, cfg.LogFormat, level, a.stderr)
	a.cfg = cfg

	a.registry = observability.NewRegistry()
	a.metrics = observability.NewMetrics(a.registry)
	if cfg.MetricsAddr != "" {
		a.server = observability.NewServer(cfg.MetricsAddr, a.registry, observability.WithReadiness(a.ready))
		if _, err := a.server.Start(); err != nil {
			return err
		}
	}
	return nil
}

// ready reports whether the data directory is usable.
func (a *app) ready() error {
	if _, err := os.Stat(a.cfg.DataDir); err != nil {
		return err
	}
	return nil
}

// Store opens the data store on first use.
func (a *app) Store() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := xdg.EnsureDir(a.cfg.DataDir); err != nil {
		return nil, err
	}
	st, err := store.Open(a.cfg.DataDir, store.WithLockTimeout(a.cfg.Lock.Timeout))
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// Plugins builds the plugin runtime and loads every enabled plugin.
func (a *app) Plugins(ctx context.Context) (*pluginRuntime, error) {
	if a.runtime != nil {
		return a.runtime, nil
	}
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	cfg := a.cfg.Plugins

	enforcer := capability.NewEnforcer()
	funcs := hostfunc.New(enforcer, filepath.Join(a.cfg.DataDir, "plugin-data"))
	registry := plugins.NewRegistry()

	hclogLevel := hclog.LevelFromString(a.cfg.LogLevel)
	if hclogLevel == hclog.NoLevel {
		hclogLevel = hclog.Warn
	}
	pluginLog := hclog.New(&hclog.LoggerOptions{
		Name:       "plugin",
		Output:     a.stderr,
		Level:      hclogLevel,
		JSONFormat: a.cfg.LogFormat == "json",
	})

	home, _ := os.UserHomeDir()
	loader := plugins.NewLoader(enforcer, funcs, registry, plugins.LoaderConfig{
		Policy: capability.Policy{
			AllowedPaths:     cfg.AllowedPaths,
			AllowedEndpoints: cfg.AllowedEndpoints,
		},
		Limits: plugins.Limits{
			HookTimeout:    cfg.HookTimeout,
			CommandTimeout: cfg.CommandTimeout,
			MaxMemoryMB:    cfg.MaxMemoryMB,
		},
		MaxArtifactBytes: int64(cfg.MaxArtifactMB) << 20,
		Home:             home,
	},
		plugins.WithHost(pluginlua.NewHost(funcs)),
		plugins.WithHost(goplugin.NewHostWithFactory(funcs, &goplugin.DefaultClientFactory{Logger: pluginLog})),
		plugins.WithMetrics(a.metrics),
	)

	dispatcher := plugins.NewDispatcher(registry,
		plugins.WithHookBudget(cfg.HookBudget),
		plugins.WithDispatchMetrics(a.metrics),
	)
	rt := &pluginRuntime{
		loader:     loader,
		dispatcher: dispatcher,
		router:     plugins.NewRouter(registry),
		manager:    plugins.NewManager(cfg.Dir, loader, st, plugins.WithDispatcher(dispatcher)),
	}
	a.runtime = rt

	if err := rt.manager.LoadEnabled(ctx); err != nil {
		return nil, err
	}
	return rt, nil
}

// Orchestrator wires a session orchestrator to the store and the plugin
// runtime.
func (a *app) Orchestrator(ctx context.Context) (*session.Orchestrator, *sshx.Transport, error) {
	st, err := a.Store()
	if err != nil {
		return nil, nil, err
	}
	rt, err := a.Plugins(ctx)
	if err != nil {
		return nil, nil, err
	}
	tr := a.newTransport(a.cfg)
	o := session.New(tr,
		session.WithDispatcher(rt.dispatcher),
		session.WithHistory(st),
		session.WithMetrics(a.metrics),
		session.WithTeardownTimeout(a.cfg.Session.TeardownTimeout),
	)
	return o, tr, nil
}

// Close releases everything init and the lazy getters opened, then writes
// the metrics textfile if one is configured.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if a.runtime != nil {
		errs = append(errs, a.runtime.loader.Close(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.cfg != nil && a.cfg.MetricsFile != "" {
		if err := observability.WriteTextfile(a.registry, a.cfg.MetricsFile); err != nil {
			slog.Warn("failed to write metrics textfile", "path", a.cfg.MetricsFile, "error", err)
		}
	}
	if a.server != nil {
		errs = append(errs, a.server.Stop(ctx))
	}
	return errors.Join(errs...)
}
