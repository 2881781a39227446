// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shellbe/shellbe/internal/observability"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

// DefaultHookBudget bounds one hook fan-out across all plugins.
const DefaultHookBudget = 10 * time.Second

// HookResult is the outcome of delivering one hook to one plugin.
type HookResult struct {
	Plugin   string
	Err      error
	Duration time.Duration
}

// Dispatcher fans lifecycle hooks out to subscribed plugins.
type Dispatcher struct {
	registry *Registry
	budget   time.Duration
	metrics  *observability.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHookBudget overrides the overall fan-out budget.
func WithHookBudget(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.budget = d
		}
	}
}

// WithDispatchMetrics records fan-out latency in m.
func WithDispatchMetrics(m *observability.Metrics) DispatcherOption {
	return func(disp *Dispatcher) {
		disp.metrics = m
	}
}

// NewDispatcher creates a dispatcher over the plugins in registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		budget:   DefaultHookBudget,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch delivers event at most once to every non-degraded plugin
// subscribed to its hook. Deliveries run concurrently and independently.
// Plugins still running when the budget expires are reported as timed out
// and left to finish on their own. Results are sorted by plugin name.
func (d *Dispatcher) Dispatch(ctx context.Context, event pluginpkg.HookEvent) []HookResult {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	subscribers := d.registry.Subscribers(event.Hook)
	if len(subscribers) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "hook.dispatch",
		trace.WithAttributes(
			attribute.String("hook", string(event.Hook)),
			attribute.Int("hook.subscribers", len(subscribers)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() { d.metrics.RecordHookDispatch(string(event.Hook), time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	results := make(chan HookResult, len(subscribers))
	for _, sb := range subscribers {
		go func(sb *Sandbox) {
			began := time.Now()
			err := sb.ExecuteHook(ctx, event)
			results <- HookResult{Plugin: sb.Name(), Err: err, Duration: time.Since(began)}
		}(sb)
	}

	names := make([]string, len(subscribers))
	for i, sb := range subscribers {
		names[i] = sb.Name()
	}
	collected := d.collect(ctx, results, names, start)

	out := make([]HookResult, 0, len(collected))
	for _, r := range collected {
		out = append(out, r)
		if r.Err != nil {
			logHookFailure(event, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plugin < out[j].Plugin })
	return out
}

// collect gathers one result per name. Once ctx is done, results already
// delivered are kept and only the missing plugins are marked timed out.
func (d *Dispatcher) collect(ctx context.Context, results <-chan HookResult, names []string, start time.Time) map[string]HookResult {
	collected := make(map[string]HookResult, len(names))
	settle := func(r HookResult) {
		if r.Err != nil && ctx.Err() != nil && errors.Is(r.Err, context.DeadlineExceeded) {
			r.Err = ErrTimeout(r.Plugin, "hook_budget", d.budget)
		}
		collected[r.Plugin] = r
	}

	for len(collected) < len(names) {
		select {
		case r := <-results:
			settle(r)
		case <-ctx.Done():
		drain:
			for len(collected) < len(names) {
				select {
				case r := <-results:
					settle(r)
				default:
					break drain
				}
			}
			for _, name := range names {
				if _, ok := collected[name]; !ok {
					collected[name] = HookResult{
						Plugin:   name,
						Err:      ErrTimeout(name, "hook_budget", d.budget),
						Duration: time.Since(start),
					}
				}
			}
		}
	}
	return collected
}

func logHookFailure(event pluginpkg.HookEvent, r HookResult) {
	attrs := []any{
		"plugin", r.Plugin,
		"hook", string(event.Hook),
		"session_id", event.SessionID,
		"code", errutil.Code(r.Err),
		"error", r.Err,
	}
	switch {
	case errors.Is(r.Err, context.Canceled):
		slog.Debug("plugin hook canceled", attrs...)
	case errutil.HasCode(r.Err, CodeTimeout):
		slog.Warn("plugin hook timed out", attrs...)
	default:
		slog.Error("plugin hook failed", attrs...)
	}
}
