// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

//go:build integration

package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginlua "github.com/shellbe/shellbe/internal/plugin/lua"
	"github.com/shellbe/shellbe/internal/store"
	"github.com/shellbe/shellbe/pkg/errutil"
	pluginpkg "github.com/shellbe/shellbe/pkg/plugin"
)

var _ = Describe("Lua plugins end to end", func() {
	var (
		ctx        context.Context
		root       string
		st         *store.Store
		loader     *plugins.Loader
		registry   *plugins.Registry
		manager    *plugins.Manager
		dispatcher *plugins.Dispatcher
		router     *plugins.Router
	)

	profile := &pluginpkg.ProfileSnapshot{
		Name:       "work-server",
		Host:       "example.com",
		Port:       22,
		User:       "alice",
		AuthMethod: "key",
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		root, err = filepath.EvalSymlinks(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		st, err = store.Open(filepath.Join(root, "data"))
		Expect(err).NotTo(HaveOccurred())

		enforcer := capability.NewEnforcer()
		funcs := hostfunc.New(enforcer, filepath.Join(root, "data", "plugin-data"))
		registry = plugins.NewRegistry()
		loader = plugins.NewLoader(enforcer, funcs, registry, plugins.LoaderConfig{
			Policy: capability.Policy{AllowedPaths: []string{"${plugin_data}/**", "${plugin_dir}/**"}},
			Limits: plugins.Limits{MaxMemoryMB: 32},
		}, plugins.WithHost(pluginlua.NewHost(funcs)))
		dispatcher = plugins.NewDispatcher(registry)
		router = plugins.NewRouter(registry)
		manager = plugins.NewManager(filepath.Join(root, "plugins"), loader, st, plugins.WithDispatcher(dispatcher))
	})

	AfterEach(func() {
		Expect(loader.Close(ctx)).To(Succeed())
		Expect(st.Close()).To(Succeed())
	})

	Describe("the bundled stats plugin", func() {
		BeforeEach(func() {
			_, err := manager.Install(ctx, filepath.Join("..", "..", "plugins", "stats"), true)
			Expect(err).NotTo(HaveOccurred())
		})

		It("counts connections per profile", func() {
			for _, hook := range []pluginpkg.Hook{pluginpkg.HookPreConnect, pluginpkg.HookPostDisconnect} {
				results := dispatcher.Dispatch(ctx, pluginpkg.HookEvent{
					Hook:      hook,
					SessionID: "01J9ZQ4Y1C8W2V5T3R7N6M0K4P",
					Timestamp: time.Now(),
					Profile:   profile,
					Duration:  90 * time.Second,
				})
				Expect(results).To(HaveLen(1))
				Expect(results[0].Err).NotTo(HaveOccurred())
			}

			res, err := router.Route(ctx, "stats", "show", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Output).To(ContainSubstring("work-server"))
			Expect(res.Output).To(MatchRegexp(`work-server\s+1\s+0\s+0\s+90s`))

			res, err = router.Route(ctx, "stats", "reset", []string{"work-server"})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Output).To(Equal("statistics reset for work-server"))

			res, err = router.Route(ctx, "stats", "show", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Output).To(Equal("no statistics recorded"))
		})

		It("rejects undeclared commands", func() {
			_, err := router.Route(ctx, "stats", "export", nil)
			Expect(errutil.Code(err)).To(Equal(plugins.CodeUnknownCommand))
		})

		It("stops routing once disabled", func() {
			Expect(manager.Disable(ctx, "stats")).To(Succeed())
			_, err := router.Route(ctx, "stats", "show", nil)
			Expect(errutil.Code(err)).To(Equal(plugins.CodeNotFound))
		})
	})

	Describe("a plugin that reaches outside its grants", func() {
		It("is degraded and persisted as such", func() {
			src := filepath.Join(root, "src")
			writePlugin(GinkgoT(), src, pluginSpec{
				name:  "snoop",
				hooks: []string{"post_connect"},
				code: `function on_hook(event)
	shellbe.read_file("/etc/passwd")
end
`,
			})
			_, err := manager.Install(ctx, filepath.Join(src, "snoop"), true)
			Expect(err).NotTo(HaveOccurred())

			results := dispatcher.Dispatch(ctx, pluginpkg.HookEvent{Hook: pluginpkg.HookPostConnect, Profile: profile})
			Expect(results).To(HaveLen(1))
			Expect(errutil.Code(results[0].Err)).To(Equal(plugins.CodeCapabilityViolation))

			rec, ok, err := st.GetPlugin("snoop")
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(rec.Status).To(Equal(store.PluginDegraded))

			Expect(dispatcher.Dispatch(ctx, pluginpkg.HookEvent{Hook: pluginpkg.HookPostConnect})).To(BeEmpty())
		})
	})

	Describe("a plugin that never returns", func() {
		It("times out without stalling the host", func() {
			src := filepath.Join(root, "src")
			writePlugin(GinkgoT(), src, pluginSpec{
				name:  "spin",
				extra: "capabilities:\n  max_duration: 100ms\n",
				code:  "function on_hook(event)\n  while true do end\nend\n",
			})
			_, err := manager.Install(ctx, filepath.Join(src, "spin"), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(manager.Enable(ctx, "spin")).To(Succeed())

			start := time.Now()
			results := dispatcher.Dispatch(ctx, pluginpkg.HookEvent{Hook: pluginpkg.HookPreConnect})
			Expect(time.Since(start)).To(BeNumerically("<", 2*time.Second))
			Expect(results).To(HaveLen(1))
			Expect(errutil.Code(results[0].Err)).To(Equal(plugins.CodeTimeout))
		})
	})

	It("keeps the plugin data directory after removal", func() {
		_, err := manager.Install(ctx, filepath.Join("..", "..", "plugins", "stats"), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(manager.Remove(ctx, "stats")).To(Succeed())

		_, err = os.Stat(filepath.Join(root, "data", "plugin-data", "stats"))
		Expect(err).NotTo(HaveOccurred())
	})
})
