// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin_test

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/store"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

type managerFixture struct {
	*loaderFixture
	store   *store.Store
	manager *plugins.Manager
	src     string
}

func newManagerFixture(t *testing.T, opts ...plugins.ManagerOption) *managerFixture {
	t.Helper()
	lf := newLoaderFixture(t, plugins.LoaderConfig{})
	st, err := store.Open(filepath.Join(lf.root, "data"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]plugins.ManagerOption{
		plugins.WithDispatcher(plugins.NewDispatcher(lf.registry)),
	}, opts...)
	return &managerFixture{
		loaderFixture: lf,
		store:         st,
		manager:       plugins.NewManager(lf.plugins, lf.loader, st, opts...),
		src:           filepath.Join(lf.root, "src"),
	}
}

// zipDir packs dir so that its contents sit under prefix inside the archive.
func zipDir(t *testing.T, dir, prefix string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		w, err := zw.Create(filepath.ToSlash(filepath.Join(prefix, e.Name())))
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestManager_InstallFromDirectory(t *testing.T) {
	f := newManagerFixture(t)
	src := writePlugin(t, f.src, pluginSpec{name: "stats", commands: []string{"show"}})
	ctx := context.Background()

	rec, err := f.manager.Install(ctx, filepath.Dir(src), false)
	require.NoError(t, err)
	assert.Equal(t, "stats", rec.Name)
	assert.Equal(t, store.PluginDisabled, rec.Status)
	assert.Equal(t, filepath.Join(f.plugins, "stats", plugins.ManifestFile), rec.ManifestPath)
	assert.FileExists(t, filepath.Join(f.plugins, "stats", "main.lua"))

	_, loaded := f.registry.Get("stats")
	assert.False(t, loaded)

	persisted, ok, err := f.store.GetPlugin("stats")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0.0", persisted.Version)
	assert.Equal(t, "lua", persisted.Type)

	leftovers, err := filepath.Glob(filepath.Join(f.plugins, ".install-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestManager_InstallAndEnable(t *testing.T) {
	f := newManagerFixture(t)
	src := writePlugin(t, f.src, pluginSpec{name: "stats", hooks: []string{"plugin_enabled"}})

	rec, err := f.manager.Install(context.Background(), filepath.Dir(src), true)
	require.NoError(t, err)
	assert.Equal(t, store.PluginEnabled, rec.Status)

	_, loaded := f.registry.Get("stats")
	assert.True(t, loaded)

	events := f.lua.hookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, pluginpkg.HookPluginEnabled, events[0].Hook)
	assert.Equal(t, "stats", events[0].Plugin)
}

func TestManager_InstallFromZip(t *testing.T) {
	f := newManagerFixture(t)
	src := writePlugin(t, f.src, pluginSpec{name: "stats"})
	archive := filepath.Join(f.root, "stats.zip")
	require.NoError(t, os.WriteFile(archive, zipDir(t, filepath.Dir(src), "stats-1.0.0"), 0o600))

	rec, err := f.manager.Install(context.Background(), archive, false)
	require.NoError(t, err)
	assert.Equal(t, "stats", rec.Name)
	assert.FileExists(t, filepath.Join(f.plugins, "stats", plugins.ManifestFile))
}

func TestManager_InstallFromURLRetries(t *testing.T) {
	src := writePlugin(t, t.TempDir(), pluginSpec{name: "stats"})
	payload := zipDir(t, filepath.Dir(src), "")

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	f := newManagerFixture(t,
		plugins.WithHTTPClient(srv.Client()),
		plugins.WithDownloadBackoff(func() retry.Backoff {
			return retry.WithMaxRetries(3, retry.NewConstant(time.Millisecond))
		}))

	rec, err := f.manager.Install(context.Background(), srv.URL+"/stats.zip", false)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, srv.URL+"/stats.zip", rec.SourceURL)
}

func TestManager_InstallFromURLNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	f := newManagerFixture(t, plugins.WithHTTPClient(srv.Client()))

	_, err := f.manager.Install(context.Background(), srv.URL+"/missing.zip", false)
	errutil.AssertErrorCode(t, err, plugins.CodeLoadFailed)
}

func TestManager_InstallRejects(t *testing.T) {
	t.Run("zip slip", func(t *testing.T) {
		f := newManagerFixture(t)
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		w, err := zw.Create("../../evil.lua")
		require.NoError(t, err)
		_, _ = w.Write([]byte("os.exit()"))
		require.NoError(t, zw.Close())
		archive := filepath.Join(f.root, "evil.zip")
		require.NoError(t, os.WriteFile(archive, buf.Bytes(), 0o600))

		_, err = f.manager.Install(context.Background(), archive, false)
		errutil.AssertErrorCode(t, err, plugins.CodeLoadFailed)
		assert.NoFileExists(t, filepath.Join(f.root, "evil.lua"))
	})

	t.Run("bad checksum", func(t *testing.T) {
		f := newManagerFixture(t)
		src := writePlugin(t, f.src, pluginSpec{name: "stats", checksum: "sha256:" + string(bytes.Repeat([]byte("a"), 64))})

		_, err := f.manager.Install(context.Background(), filepath.Dir(src), false)
		errutil.AssertErrorCode(t, err, plugins.CodeArtifactInvalid)
		assert.NoDirExists(t, filepath.Join(f.plugins, "stats"))
	})

	t.Run("no manifest", func(t *testing.T) {
		f := newManagerFixture(t)
		require.NoError(t, os.MkdirAll(f.src, 0o750))

		_, err := f.manager.Install(context.Background(), f.src, false)
		errutil.AssertErrorCode(t, err, plugins.CodeLoadFailed)
	})

	t.Run("not an archive", func(t *testing.T) {
		f := newManagerFixture(t)
		path := filepath.Join(f.root, "plugin.tar")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

		_, err := f.manager.Install(context.Background(), path, false)
		errutil.AssertErrorCode(t, err, plugins.CodeLoadFailed)
	})

	t.Run("already installed", func(t *testing.T) {
		f := newManagerFixture(t)
		src := writePlugin(t, f.src, pluginSpec{name: "stats"})
		_, err := f.manager.Install(context.Background(), filepath.Dir(src), false)
		require.NoError(t, err)

		_, err = f.manager.Install(context.Background(), filepath.Dir(src), false)
		errutil.AssertErrorCode(t, err, plugins.CodeExists)
	})
}

func TestManager_EnableDisable(t *testing.T) {
	f := newManagerFixture(t)
	src := writePlugin(t, f.src, pluginSpec{name: "stats"})
	ctx := context.Background()
	_, err := f.manager.Install(ctx, filepath.Dir(src), false)
	require.NoError(t, err)

	require.NoError(t, f.manager.Enable(ctx, "stats"))
	list, err := f.manager.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.PluginEnabled, list[0].Status)
	assert.True(t, list[0].Loaded)

	require.NoError(t, f.manager.Disable(ctx, "stats"))
	list, err = f.manager.List()
	require.NoError(t, err)
	assert.Equal(t, store.PluginDisabled, list[0].Status)
	assert.False(t, list[0].Loaded)

	var hooks []pluginpkg.Hook
	for _, e := range f.lua.hookEvents() {
		hooks = append(hooks, e.Hook)
	}
	assert.Equal(t, []pluginpkg.Hook{pluginpkg.HookPluginEnabled, pluginpkg.HookPluginDisabled}, hooks)

	errutil.AssertErrorCode(t, f.manager.Enable(ctx, "ghost"), plugins.CodeNotFound)
	errutil.AssertErrorCode(t, f.manager.Disable(ctx, "ghost"), plugins.CodeNotFound)
}

func TestManager_DegradedIsPersistedAndClearedByEnable(t *testing.T) {
	f := newManagerFixture(t)
	var nosy sync.Once
	f.lua.hook = func(_ context.Context, name string, event pluginpkg.HookEvent) error {
		if event.Hook != pluginpkg.HookPostConnect {
			return nil
		}
		var err error
		nosy.Do(func() { err = f.enforcer.Authorize(name, capability.AccessRead, "/etc/shadow") })
		return err
	}
	src := writePlugin(t, f.src, pluginSpec{name: "stats"})
	ctx := context.Background()
	_, err := f.manager.Install(ctx, filepath.Dir(src), true)
	require.NoError(t, err)

	sb, ok := f.registry.Get("stats")
	require.True(t, ok)
	errutil.AssertErrorCode(t, sb.ExecuteHook(ctx, pluginpkg.HookEvent{Hook: pluginpkg.HookPostConnect}),
		plugins.CodeCapabilityViolation)

	rec, _, err := f.store.GetPlugin("stats")
	require.NoError(t, err)
	assert.Equal(t, store.PluginDegraded, rec.Status)
	assert.Equal(t, "read /etc/shadow", rec.Reason)

	require.NoError(t, f.manager.Enable(ctx, "stats"))
	rec, _, err = f.store.GetPlugin("stats")
	require.NoError(t, err)
	assert.Equal(t, store.PluginEnabled, rec.Status)
	assert.Empty(t, rec.Reason)

	sb, ok = f.registry.Get("stats")
	require.True(t, ok)
	_, degraded := sb.Degraded()
	assert.False(t, degraded)
}

func TestManager_Remove(t *testing.T) {
	f := newManagerFixture(t)
	src := writePlugin(t, f.src, pluginSpec{name: "stats"})
	ctx := context.Background()
	_, err := f.manager.Install(ctx, filepath.Dir(src), true)
	require.NoError(t, err)

	require.NoError(t, f.manager.Remove(ctx, "stats"))
	_, loaded := f.registry.Get("stats")
	assert.False(t, loaded)
	assert.NoDirExists(t, filepath.Join(f.plugins, "stats"))
	assert.DirExists(t, f.funcs.DataDir("stats"))

	_, ok, err := f.store.GetPlugin("stats")
	require.NoError(t, err)
	assert.False(t, ok)

	errutil.AssertErrorCode(t, f.manager.Remove(ctx, "stats"), plugins.CodeNotFound)
}

func TestManager_LoadEnabled(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	for _, name := range []string{"on", "off", "broken"} {
		src := writePlugin(t, f.src, pluginSpec{name: name})
		_, err := f.manager.Install(ctx, filepath.Dir(src), false)
		require.NoError(t, err)
	}
	require.NoError(t, f.store.SetPluginStatus(ctx, "on", store.PluginEnabled, ""))
	require.NoError(t, f.store.SetPluginStatus(ctx, "broken", store.PluginEnabled, ""))
	require.NoError(t, os.WriteFile(filepath.Join(f.plugins, "broken", "main.lua"), []byte("tampered"), 0o600))

	require.NoError(t, f.manager.LoadEnabled(ctx))

	assert.Equal(t, []string{"on"}, names(f.registry.List()))
}
