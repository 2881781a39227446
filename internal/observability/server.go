// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadyFunc reports why the process is not ready, or nil when it is.
type ReadyFunc func() error

// Server exposes /metrics, /healthz/liveness and /healthz/readiness for the
// lifetime of one CLI command.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	ready    ReadyFunc

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadiness sets the readiness check. Without one the server is ready
// as soon as it listens.
func WithReadiness(fn ReadyFunc) ServerOption {
	return func(s *Server) { s.ready = fn }
}

// NewServer creates a server for g on addr ("127.0.0.1:9464"; port 0 picks
// a free port).
func NewServer(addr string, g prometheus.Gatherer, opts ...ServerOption) *Server {
	s := &Server{addr: addr, gatherer: g}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start listens and serves in the background. The returned channel carries
// a serve failure, if any, and is closed once the server stops.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil, oops.In("observability").Errorf("metrics server already running on %s", s.listener.Addr())
	}

	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.listener, s.http = l, srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "addr", l.Addr().String(), "error", err)
			errCh <- err
		}
	}()

	slog.Debug("metrics server listening", "addr", l.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a server that is not running is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return oops.In("observability").With("addr", s.Addr()).Wrap(err)
	}
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			writeProbe(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeProbe(w, http.StatusOK, "ok")
}

func writeProbe(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body + "\n"))
}
