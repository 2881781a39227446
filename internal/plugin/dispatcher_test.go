// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shellbe/shellbe/internal/observability"
	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

func TestMain(m *testing.M) {
	// The ginkgo suite, built with the integration tag, leaves its signal
	// watcher running for the life of the binary.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("github.com/onsi/ginkgo/v2/internal/interrupt_handler.(*InterruptHandler).registerForInterrupts.func2"),
	)
}

func loadAll(t *testing.T, f *loaderFixture, specs ...pluginSpec) {
	t.Helper()
	for _, s := range specs {
		_, err := f.loader.Load(context.Background(), writePlugin(t, f.plugins, s))
		require.NoError(t, err)
	}
}

func TestDispatcher_NoSubscribers(t *testing.T) {
	f := newLoaderFixture(t, plugins.LoaderConfig{})
	loadAll(t, f, pluginSpec{name: "quiet", hooks: []string{"post_disconnect"}})

	d := plugins.NewDispatcher(f.registry)
	assert.Empty(t, d.Dispatch(context.Background(), pluginpkg.HookEvent{Hook: pluginpkg.HookPreConnect}))
	assert.Empty(t, f.lua.hookEvents())
}

func TestDispatcher_DeliversOncePerSubscriber(t *testing.T) {
	f := newLoaderFixture(t, plugins.LoaderConfig{})
	loadAll(t, f,
		pluginSpec{name: "zeta"},
		pluginSpec{name: "alpha", hooks: []string{"post_connect"}},
		pluginSpec{name: "other", hooks: []string{"pre_connect"}},
	)

	d := plugins.NewDispatcher(f.registry)
	profile := &pluginpkg.ProfileSnapshot{Name: "work-server", Host: "10.0.0.5", Port: 22, User: "deploy"}
	results := d.Dispatch(context.Background(), pluginpkg.HookEvent{
		Hook:      pluginpkg.HookPostConnect,
		SessionID: "01J0000000000000000000TEST",
		Profile:   profile,
	})

	require.Len(t, results, 2)
	assert.Equal(t, "alpha", results[0].Plugin)
	assert.Equal(t, "zeta", results[1].Plugin)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}

	events := f.lua.hookEvents()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, pluginpkg.HookPostConnect, e.Hook)
		assert.Equal(t, "work-server", e.Profile.Name)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestDispatcher_FailuresAreIsolated(t *testing.T) {
	f := newLoaderFixture(t, plugins.LoaderConfig{})
	f.lua.hook = func(_ context.Context, name string, _ pluginpkg.HookEvent) error {
		switch name {
		case "broken":
			return errors.New("bad state")
		case "crashy":
			panic("nil map")
		}
		return nil
	}
	loadAll(t, f, pluginSpec{name: "broken"}, pluginSpec{name: "crashy"}, pluginSpec{name: "healthy"})

	results := plugins.NewDispatcher(f.registry).Dispatch(context.Background(),
		pluginpkg.HookEvent{Hook: pluginpkg.HookPostDisconnect})

	require.Len(t, results, 3)
	errutil.AssertErrorCode(t, results[0].Err, plugins.CodeFailed)
	errutil.AssertErrorCode(t, results[1].Err, plugins.CodeFailed)
	assert.Equal(t, "healthy", results[2].Plugin)
	assert.NoError(t, results[2].Err)
}

func TestDispatcher_BudgetDetachesSlowPlugins(t *testing.T) {
	f := newLoaderFixture(t, plugins.LoaderConfig{
		Limits: plugins.Limits{HookTimeout: 5 * time.Second},
	})
	release := make(chan struct{})
	var finished atomic.Int32
	f.lua.hook = func(context.Context, string, pluginpkg.HookEvent) error {
		<-release
		finished.Add(1)
		return nil
	}
	loadAll(t, f, pluginSpec{name: "slow-a"}, pluginSpec{name: "slow-b"})

	m := observability.NewMetrics(observability.NewRegistry())
	d := plugins.NewDispatcher(f.registry,
		plugins.WithHookBudget(50*time.Millisecond),
		plugins.WithDispatchMetrics(m))

	start := time.Now()
	results := d.Dispatch(context.Background(), pluginpkg.HookEvent{Hook: pluginpkg.HookPreConnect})
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, results, 2)
	for _, r := range results {
		errutil.AssertErrorCode(t, r.Err, plugins.CodeTimeout)
		errutil.AssertErrorContext(t, r.Err, "kind", "hook_budget")
	}
	assert.Equal(t, 1, testutil.CollectAndCount(m.HookDispatchSeconds))

	close(release)
	require.Eventually(t, func() bool { return finished.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDispatcher_SkipsDegradedPlugins(t *testing.T) {
	f := newLoaderFixture(t, plugins.LoaderConfig{})
	f.lua.hook = func(_ context.Context, name string, _ pluginpkg.HookEvent) error {
		if name == "nosy" {
			return f.enforcer.Authorize(name, "read", "/root/.ssh/id_ed25519")
		}
		return nil
	}
	loadAll(t, f, pluginSpec{name: "nosy"}, pluginSpec{name: "polite"})
	d := plugins.NewDispatcher(f.registry)
	event := pluginpkg.HookEvent{Hook: pluginpkg.HookPostConnect}

	first := d.Dispatch(context.Background(), event)
	require.Len(t, first, 2)
	errutil.AssertErrorCode(t, first[0].Err, plugins.CodeCapabilityViolation)

	second := d.Dispatch(context.Background(), event)
	require.Len(t, second, 1)
	assert.Equal(t, "polite", second[0].Plugin)
}
