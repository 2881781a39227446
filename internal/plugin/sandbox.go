// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shellbe/shellbe/internal/observability"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

var tracer = otel.Tracer("shellbe/plugin")

// Call kinds, used as metric labels and budget classes.
const (
	KindHook    = "hook"
	KindCommand = "command"
	KindInfo    = "info"
)

// Default budgets.
const (
	DefaultHookTimeout    = 3 * time.Second
	DefaultCommandTimeout = 60 * time.Second
)

// DegradedFunc is called once when a sandbox is degraded by a capability
// violation.
type DegradedFunc func(name string, v capability.Violation)

// Sandbox is one loaded plugin instance. Every call goes through it and is
// bounded by a wall-clock budget, recovered from panics and checked for
// capability violations afterwards.
type Sandbox struct {
	manifest *Manifest
	path     string
	dir      string
	host     Host
	enforcer *capability.Enforcer
	limits   Limits
	metrics  *observability.Metrics
	onDegr   DegradedFunc

	mu       sync.Mutex
	degraded string
	closed   bool
}

func newSandbox(m *Manifest, path, dir string, host Host, enforcer *capability.Enforcer, limits Limits,
	metrics *observability.Metrics, onDegraded DegradedFunc,
) *Sandbox {
	if limits.HookTimeout <= 0 {
		limits.HookTimeout = DefaultHookTimeout
	}
	if limits.CommandTimeout <= 0 {
		limits.CommandTimeout = DefaultCommandTimeout
	}
	if d := m.MaxDuration(); d > 0 {
		limits.HookTimeout = min(limits.HookTimeout, d)
		limits.CommandTimeout = min(limits.CommandTimeout, d)
	}
	return &Sandbox{
		manifest: m,
		path:     path,
		dir:      dir,
		host:     host,
		enforcer: enforcer,
		limits:   limits,
		metrics:  metrics,
		onDegr:   onDegraded,
	}
}

// Name returns the plugin name.
func (s *Sandbox) Name() string { return s.manifest.Name }

// Manifest returns the plugin's manifest.
func (s *Sandbox) Manifest() *Manifest { return s.manifest }

// Path returns the manifest path the plugin was loaded from.
func (s *Sandbox) Path() string { return s.path }

// Dir returns the plugin directory.
func (s *Sandbox) Dir() string { return s.dir }

// Limits returns the effective budgets for this instance.
func (s *Sandbox) Limits() Limits { return s.limits }

// Degraded reports whether the sandbox refuses calls, and why.
func (s *Sandbox) Degraded() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded, s.degraded != ""
}

// ClearDegraded lets calls through again.
func (s *Sandbox) ClearDegraded() {
	s.mu.Lock()
	s.degraded = ""
	s.mu.Unlock()
	s.enforcer.TakeViolation(s.Name())
}

func (s *Sandbox) degrade(v capability.Violation) {
	s.mu.Lock()
	already := s.degraded != ""
	if !already {
		s.degraded = v.String()
	}
	s.mu.Unlock()
	if already {
		return
	}
	slog.Warn("plugin degraded after capability violation",
		"plugin", s.Name(),
		"access", string(v.Access),
		"target", v.Target)
	if s.onDegr != nil {
		s.onDegr(s.Name(), v)
	}
}

// Info asks the runtime to describe the plugin.
func (s *Sandbox) Info(ctx context.Context) (pluginpkg.Info, error) {
	var info pluginpkg.Info
	err := s.invoke(ctx, KindInfo, s.limits.CommandTimeout, func(ctx context.Context) error {
		var err error
		info, err = s.host.Info(ctx, s.Name())
		return err
	})
	return info, err
}

// Commands asks the runtime for the commands it implements.
func (s *Sandbox) Commands(ctx context.Context) ([]pluginpkg.Command, error) {
	var cmds []pluginpkg.Command
	err := s.invoke(ctx, KindInfo, s.limits.CommandTimeout, func(ctx context.Context) error {
		var err error
		cmds, err = s.host.Commands(ctx, s.Name())
		return err
	})
	return cmds, err
}

// ExecuteHook delivers event within the hook budget.
func (s *Sandbox) ExecuteHook(ctx context.Context, event pluginpkg.HookEvent) error {
	return s.invoke(ctx, KindHook, s.limits.HookTimeout, func(ctx context.Context) error {
		return s.host.ExecuteHook(ctx, s.Name(), event)
	})
}

// ExecuteCommand runs a plugin command within the command budget.
func (s *Sandbox) ExecuteCommand(ctx context.Context, command string, args []string) (pluginpkg.CommandResult, error) {
	var result pluginpkg.CommandResult
	err := s.invoke(ctx, KindCommand, s.limits.CommandTimeout, func(ctx context.Context) error {
		var err error
		result, err = s.host.ExecuteCommand(ctx, s.Name(), command, args)
		return err
	})
	return result, err
}

// invoke runs fn in its own goroutine so that neither a panic nor a runtime
// that ignores ctx can outlive the budget. A call still running when the
// budget expires is abandoned.
func (s *Sandbox) invoke(ctx context.Context, kind string, budget time.Duration, fn func(context.Context) error) (err error) {
	name := s.Name()
	if reason, degraded := s.Degraded(); degraded {
		s.metrics.RecordPluginCall(name, kind, "degraded", 0)
		return ErrDegraded(name, reason)
	}

	ctx, span := tracer.Start(ctx, "plugin.call",
		trace.WithAttributes(
			attribute.String("plugin.name", name),
			attribute.String("plugin.kind", kind),
		),
	)
	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("plugin.status", status))
		span.End()
		s.metrics.RecordPluginCall(name, kind, status, time.Since(start))
	}()

	callCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("plugin call panicked",
					"plugin", name,
					"kind", kind,
					"panic", r,
					"stack", string(debug.Stack()))
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	var callErr error
	select {
	case callErr = <-done:
	case <-callCtx.Done():
		callErr = callCtx.Err()
	}

	if v, ok := s.enforcer.TakeViolation(name); ok {
		status = "violation"
		s.degrade(v)
		return ErrCapabilityViolation(name, v)
	}

	switch {
	case callErr == nil:
		return nil
	case ctx.Err() != nil:
		status = "cancelled"
		return ErrFailed(name, kind, ctx.Err())
	case errors.Is(callErr, context.DeadlineExceeded) || callCtx.Err() != nil:
		status = "timeout"
		return ErrTimeout(name, kind, budget)
	default:
		status = "failed"
		return ErrFailed(name, kind, callErr)
	}
}

// Close unloads the plugin from its runtime and drops its grants.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.enforcer.RemoveGrants(s.Name())
	if err := s.host.Unload(ctx, s.Name()); err != nil && !errors.Is(err, ErrPluginNotLoaded) && !errors.Is(err, ErrHostClosed) {
		return ErrFailed(s.Name(), "unload", err)
	}
	return nil
}
