// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

//go:build integration

package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/onsi/gomega/gbytes"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/shellbe/shellbe/internal/observability"
	plugins "github.com/shellbe/shellbe/internal/plugin"
	"github.com/shellbe/shellbe/internal/plugin/capability"
	"github.com/shellbe/shellbe/internal/plugin/hostfunc"
	pluginlua "github.com/shellbe/shellbe/internal/plugin/lua"
	"github.com/shellbe/shellbe/internal/profile"
	"github.com/shellbe/shellbe/internal/session"
	"github.com/shellbe/shellbe/internal/sshx"
	"github.com/shellbe/shellbe/internal/store"
	"github.com/shellbe/shellbe/pkg/errutil"
)

var _ = Describe("Connecting to work-server", func() {
	var (
		ctx        context.Context
		root       string
		server     *sshServer
		st         *store.Store
		loader     *plugins.Loader
		router     *plugins.Router
		transport  *sshx.Transport
		orch       *session.Orchestrator
		stdout     *gbytes.Buffer
		knownHosts string
		key        sshx.GeneratedKey

		mu     sync.Mutex
		states []session.State
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		root, err = filepath.EvalSymlinks(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		server = startSSHServer()
		key, err = sshx.GenerateKey(sshx.KeyEd25519, filepath.Join(root, "id_ed25519"), "alice@laptop", nil)
		Expect(err).NotTo(HaveOccurred())
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key.AuthorizedKey))
		Expect(err).NotTo(HaveOccurred())
		server.authorize(pub)

		st, err = store.Open(filepath.Join(root, "data"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })

		enforcer := capability.NewEnforcer()
		funcs := hostfunc.New(enforcer, filepath.Join(root, "data", "plugin-data"))
		registry := plugins.NewRegistry()
		metrics := observability.NewMetrics(prometheus.NewRegistry())
		loader = plugins.NewLoader(enforcer, funcs, registry, plugins.LoaderConfig{
			Policy: capability.Policy{AllowedPaths: []string{"${plugin_data}/**", "${plugin_dir}/**"}},
			Limits: plugins.Limits{MaxMemoryMB: 32},
		}, plugins.WithHost(pluginlua.NewHost(funcs)), plugins.WithMetrics(metrics))
		DeferCleanup(func() { Expect(loader.Close(context.Background())).To(Succeed()) })

		dispatcher := plugins.NewDispatcher(registry, plugins.WithDispatchMetrics(metrics))
		router = plugins.NewRouter(registry)
		manager := plugins.NewManager(filepath.Join(root, "plugins"), loader, st, plugins.WithDispatcher(dispatcher))
		_, err = manager.Install(ctx, filepath.Join("..", "..", "plugins", "stats"), true)
		Expect(err).NotTo(HaveOccurred())

		_, err = st.AddProfile(ctx, profile.Profile{
			Name:         "work-server",
			Host:         server.host,
			Port:         server.port,
			User:         "alice",
			AuthMethod:   profile.AuthKey,
			IdentityFile: key.PrivatePath,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(st.AddAlias(ctx, "w", "work-server")).To(Succeed())

		knownHosts = filepath.Join(root, "ssh", "known_hosts")
		stdout = gbytes.NewBuffer()
		transport = sshx.New(sshx.Config{KnownHosts: knownHosts},
			sshx.WithAgentSocket(""),
			sshx.WithStdio(strings.NewReader(""), stdout, gbytes.NewBuffer()),
		)

		mu.Lock()
		states = nil
		mu.Unlock()
		orch = session.New(transport,
			session.WithDispatcher(dispatcher),
			session.WithHistory(st),
			session.WithMetrics(metrics),
			session.WithObserver(func(_ string, t session.Transition) {
				mu.Lock()
				defer mu.Unlock()
				states = append(states, t.To)
			}),
		)
	})

	statsFor := func(name string) string {
		res, err := router.Route(ctx, "stats", "show", []string{name})
		Expect(err).NotTo(HaveOccurred())
		return res.Output
	}

	It("runs a shell, records history and trusts the host on first use", func() {
		p, err := st.Resolve("w")
		Expect(err).NotTo(HaveOccurred())

		res, err := orch.Connect(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(profile.OutcomeSuccess))
		Expect(res.State).To(Equal(session.StateClosed))
		Expect(stdout).To(gbytes.Say("Welcome to work-server"))
		Expect(server.shells()).To(Equal(1))

		mu.Lock()
		Expect(states).To(Equal([]session.State{
			session.StateResolving, session.StateAuthenticating, session.StateConnected,
			session.StateClosing, session.StateClosed,
		}))
		mu.Unlock()

		entries, err := st.History(profile.HistoryQuery{Profile: "work-server"})
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Outcome).To(Equal(profile.OutcomeSuccess))
		Expect(entries[0].ID).To(Equal(res.SessionID))

		stored, err := st.GetProfile("work-server")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.LastUsed).NotTo(BeNil())

		hosts, err := os.ReadFile(knownHosts)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(hosts)).To(ContainSubstring(knownhosts.Normalize(net.JoinHostPort(server.host, strconv.Itoa(server.port)))))

		Expect(statsFor("work-server")).To(ContainSubstring("     1      0      0"))

		// The host key is now pinned; a second session reuses it.
		_, err = orch.Connect(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		Expect(server.shells()).To(Equal(2))
	})

	It("records auth_failed when the key is not authorized", func() {
		other, _, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		otherPub, err := ssh.NewPublicKey(other)
		Expect(err).NotTo(HaveOccurred())
		server.authorize(otherPub)

		p, err := st.Resolve("work-server")
		Expect(err).NotTo(HaveOccurred())
		res, err := orch.Connect(ctx, p)
		Expect(errutil.Code(err)).To(Equal(session.CodeAuthFailed))
		Expect(res.Outcome).To(Equal(profile.OutcomeAuthFailed))
		Expect(res.State).To(Equal(session.StateFailed))
		Expect(server.shells()).To(BeZero())

		entries, err := st.History(profile.HistoryQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Outcome).To(Equal(profile.OutcomeAuthFailed))

		stored, err := st.GetProfile("work-server")
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.LastUsed).To(BeNil())

		Expect(statsFor("work-server")).To(ContainSubstring("     1      0      1"))
	})

	It("refuses a host whose key changed", func() {
		_, impostor, err := ed25519.GenerateKey(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		signer, err := ssh.NewSignerFromKey(impostor)
		Expect(err).NotTo(HaveOccurred())
		addr := knownhosts.Normalize(net.JoinHostPort(server.host, strconv.Itoa(server.port)))
		Expect(os.MkdirAll(filepath.Dir(knownHosts), 0o700)).To(Succeed())
		Expect(os.WriteFile(knownHosts, []byte(knownhosts.Line([]string{addr}, signer.PublicKey())+"\n"), 0o600)).To(Succeed())

		p, err := st.Resolve("work-server")
		Expect(err).NotTo(HaveOccurred())
		res, err := orch.Connect(ctx, p)
		Expect(errutil.Code(err)).To(Equal(sshx.CodeHostKeyMismatch))
		Expect(res.Outcome).To(Equal(profile.OutcomeProtocolError))
		Expect(server.shells()).To(BeZero())
	})

	It("probes without opening a shell or writing history", func() {
		p, err := st.Resolve("w")
		Expect(err).NotTo(HaveOccurred())

		res, err := orch.Test(ctx, p)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(profile.OutcomeSuccess))
		Expect(server.shells()).To(BeZero())

		entries, err := st.History(profile.HistoryQuery{})
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())

		Expect(statsFor("work-server")).To(ContainSubstring("     0      1      0"))
	})
})
