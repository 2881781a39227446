// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package session drives a profile through connection, use and teardown,
// firing plugin hooks at each lifecycle point and recording the outcome.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shellbe/shellbe/internal/logging"
	"github.com/shellbe/shellbe/internal/observability"
	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

var tracer = otel.Tracer("shellbe/session")

// DefaultTeardownTimeout bounds how long Close may take before the session
// is abandoned.
const DefaultTeardownTimeout = 5 * time.Second

// Dispatcher delivers hooks. *plugin.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, event pluginpkg.HookEvent) []plugins.HookResult
}

// History records finished sessions. *store.Store implements it.
type History interface {
	AppendHistory(ctx context.Context, e profile.HistoryEntry) (profile.HistoryEntry, error)
	MarkUsed(ctx context.Context, name string, at time.Time) error
}

// Orchestrator runs sessions. It holds no per-session state, so one
// orchestrator may run several sessions concurrently.
type Orchestrator struct {
	transport       Transport
	dispatcher      Dispatcher
	history         History
	observer        Observer
	metrics         *observability.Metrics
	teardownTimeout time.Duration
	now             func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDispatcher fires hooks through d.
func WithDispatcher(d Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// WithHistory records sessions in h.
func WithHistory(h History) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithObserver reports every transition to fn.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithMetrics counts sessions in m.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTeardownTimeout bounds the wait for the transport to close.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.teardownTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator over transport.
// Panics if transport is nil.
func New(transport Transport, opts ...Option) *Orchestrator {
	if transport == nil {
		panic("session.New: transport is required")
	}
	o := &Orchestrator{
		transport:       transport,
		teardownTimeout: DefaultTeardownTimeout,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run is the state of one session.
type run struct {
	o       *Orchestrator
	id      string
	profile profile.Profile
	state   State
	trans   []Transition
	start   time.Time
}

func (o *Orchestrator) newRun(p profile.Profile) *run {
	return &run{o: o, id: ulid.Make().String(), profile: p, state: StateIdle}
}

func (r *run) transition(to State) {
	if !CanTransition(r.state, to) {
		panic("session: illegal transition " + string(r.state) + " -> " + string(to))
	}
	t := Transition{From: r.state, To: to, At: r.o.now()}
	r.state = to
	r.trans = append(r.trans, t)
	slog.Debug("session transition",
		"session_id", r.id,
		"profile", r.profile.Name,
		"from", string(t.From),
		"to", string(t.To))
	if r.o.observer != nil {
		r.o.observer(r.id, t)
	}
}

func (r *run) fire(ctx context.Context, hook pluginpkg.Hook, mutate func(*pluginpkg.HookEvent)) {
	if r.o.dispatcher == nil {
		return
	}
	event := pluginpkg.HookEvent{
		Hook:      hook,
		SessionID: r.id,
		Timestamp: r.o.now(),
		Profile:   r.profile.Snapshot(),
	}
	if mutate != nil {
		mutate(&event)
	}
	for _, res := range r.dispatch(ctx, event) {
		if res.Err != nil {
			slog.Debug("hook failed",
				"session_id", r.id,
				"hook", string(hook),
				"plugin", res.Plugin,
				"error", res.Err)
		}
	}
}

// dispatch contains a panic escaping the dispatcher; the session carries on
// as if every hook had failed.
func (r *run) dispatch(ctx context.Context, event pluginpkg.HookEvent) (results []plugins.HookResult) {
	defer func() {
		if v := recover(); v != nil {
			slog.ErrorContext(ctx, "hook dispatch panicked",
				"hook", string(event.Hook),
				"panic", fmt.Sprint(v),
				"stack", string(debug.Stack()))
			results = nil
		}
	}()
	return r.o.dispatcher.Dispatch(ctx, event)
}

func (r *run) result(outcome profile.Outcome) Result {
	return Result{
		SessionID:   r.id,
		Profile:     r.profile.Name,
		State:       r.state,
		Outcome:     outcome,
		Transitions: append([]Transition(nil), r.trans...),
		Duration:    r.o.now().Sub(r.start),
	}
}

// Connect runs an interactive session for p until it ends. A profile that
// fails validation is rejected before any attempt, with no hooks and no
// history. Every attempt that gets further ends in closed or failed and is
// written to history.
func (o *Orchestrator) Connect(ctx context.Context, p profile.Profile) (res Result, err error) {
	if err := p.Validate(); err != nil {
		return Result{Profile: p.Name, State: StateIdle}, err
	}
	r := o.newRun(p)
	r.start = o.now()

	ctx, span := tracer.Start(ctx, "session.connect",
		trace.WithAttributes(
			attribute.String("session.id", r.id),
			attribute.String("profile.name", p.Name),
			attribute.String("profile.auth_method", string(p.AuthMethod)),
		),
	)
	ctx = logging.WithSession(ctx, r.id)
	defer func() {
		span.SetAttributes(attribute.String("session.outcome", string(res.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Hooks and history after a cancellation still need a live context.
	detached := context.WithoutCancel(ctx)

	r.transition(StateResolving)
	r.fire(ctx, pluginpkg.HookPreConnect, nil)

	if err := o.transport.Resolve(ctx, p); err != nil {
		return r.fail(detached, ctx, err)
	}

	r.transition(StateAuthenticating)
	conn, err := o.transport.Connect(ctx, p)
	if err != nil {
		return r.fail(detached, ctx, err)
	}
	release := releaser(conn, o.teardownTimeout, r)
	defer release()

	r.transition(StateConnected)
	if o.history != nil {
		if err := o.history.MarkUsed(detached, p.Name, r.start); err != nil {
			slog.Warn("failed to mark profile used", "profile", p.Name, "error", err)
		}
	}
	r.fire(ctx, pluginpkg.HookPostConnect, nil)

	waitErr := r.wait(ctx, conn)

	r.transition(StateClosing)
	r.fire(detached, pluginpkg.HookPreDisconnect, nil)
	release()
	r.transition(StateClosed)

	outcome := OutcomeOf(waitErr)
	res = r.result(outcome)
	r.fire(detached, pluginpkg.HookPostDisconnect, func(e *pluginpkg.HookEvent) {
		e.Outcome = string(outcome)
		e.Duration = res.Duration
		if waitErr != nil {
			e.Error = waitErr.Error()
		}
	})
	res.History = o.record(detached, r, outcome, waitErr)
	return res, waitErr
}

// wait blocks until the session ends or ctx is cancelled.
func (r *run) wait(ctx context.Context, conn Conn) error {
	done := make(chan error, 1)
	go func() { done <- conn.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return ErrNetwork(r.profile.Address(), err)
		}
		return nil
	case <-ctx.Done():
		return ErrCancelled(r.profile.Name, ctx.Err())
	}
}

// fail ends an attempt that never connected.
func (r *run) fail(detached, ctx context.Context, cause error) (Result, error) {
	err := classify(ctx, r.profile, cause)
	outcome := OutcomeOf(err)
	r.transition(StateFailed)

	res := r.result(outcome)
	r.fire(detached, pluginpkg.HookConnectFailed, func(e *pluginpkg.HookEvent) {
		e.Outcome = string(outcome)
		e.Error = err.Error()
		e.Duration = res.Duration
	})
	res.History = r.o.record(detached, r, outcome, err)
	return res, err
}

// classify makes sure a transport error carries a session code.
func classify(ctx context.Context, p profile.Profile, err error) error {
	if ctx.Err() != nil {
		return ErrCancelled(p.Name, ctx.Err())
	}
	if errutil.Code(err) != "" {
		return err
	}
	if OutcomeOf(err) == profile.OutcomeUserCancelled {
		return ErrCancelled(p.Name, err)
	}
	return ErrProtocol(p.Address(), err)
}

func (o *Orchestrator) record(ctx context.Context, r *run, outcome profile.Outcome, cause error) *profile.HistoryEntry {
	duration := o.now().Sub(r.start)
	o.metrics.RecordSession(string(outcome), duration)

	slog.InfoContext(ctx, "session finished",
		"profile", r.profile.Name,
		"outcome", string(outcome),
		"duration", duration)

	if o.history == nil {
		return nil
	}
	entry := profile.HistoryEntry{
		ID:          r.id,
		ProfileName: r.profile.Name,
		Host:        r.profile.Host,
		Timestamp:   r.start,
		Outcome:     outcome,
		Duration:    duration,
	}
	if cause != nil {
		entry.Detail = cause.Error()
	}
	written, err := o.history.AppendHistory(ctx, entry)
	if err != nil {
		errutil.LogError(ctx, nil, "failed to record session history", err, "profile", r.profile.Name)
		return nil
	}
	return &written
}

// releaser returns an idempotent function that closes conn, waiting at most
// timeout before giving up on it.
func releaser(conn Conn, timeout time.Duration, r *run) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			done := make(chan error, 1)
			go func() { done <- conn.Close() }()
			select {
			case err := <-done:
				if err != nil {
					slog.Debug("error closing session", "session_id", r.id, "error", err)
				}
			case <-time.After(timeout):
				slog.Warn("session teardown timed out, abandoning connection",
					"session_id", r.id,
					"profile", r.profile.Name,
					"timeout", timeout)
			}
		})
	}
}

// Test connects and immediately disconnects to check that p works. It fires
// TestSuccess or TestFailure and writes no history.
func (o *Orchestrator) Test(ctx context.Context, p profile.Profile) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Profile: p.Name, State: StateIdle}, err
	}
	r := o.newRun(p)
	r.start = o.now()
	detached := context.WithoutCancel(ctx)

	probe := func() error {
		r.transition(StateResolving)
		if err := o.transport.Resolve(ctx, p); err != nil {
			r.transition(StateFailed)
			return classify(ctx, p, err)
		}
		r.transition(StateAuthenticating)
		conn, err := o.transport.Connect(ctx, p)
		if err != nil {
			r.transition(StateFailed)
			return classify(ctx, p, err)
		}
		r.transition(StateConnected)
		r.transition(StateClosing)
		releaser(conn, o.teardownTimeout, r)()
		r.transition(StateClosed)
		return nil
	}

	err := probe()
	outcome := OutcomeOf(err)
	res := r.result(outcome)
	hook := pluginpkg.HookTestSuccess
	if err != nil {
		hook = pluginpkg.HookTestFailure
	}
	r.fire(detached, hook, func(e *pluginpkg.HookEvent) {
		e.Outcome = string(outcome)
		e.Duration = res.Duration
		if err != nil {
			e.Error = err.Error()
		}
	})
	return res, err
}
