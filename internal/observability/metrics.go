// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

// Package observability provides shellbe's Prometheus metrics, written to a
// node-exporter textfile on exit or served over HTTP while a command runs.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/oops"
)

// Metrics contains custom Prometheus metrics for shellbe.
// A nil *Metrics records nothing.
type Metrics struct {
	SessionsTotal       *prometheus.CounterVec
	SessionDuration     prometheus.Histogram
	PluginCallsTotal    *prometheus.CounterVec
	PluginCallDuration  *prometheus.HistogramVec
	HookDispatchSeconds *prometheus.HistogramVec
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

// NewMetrics creates and registers custom shellbe metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbe_sessions_total",
				Help: "Total number of SSH sessions by outcome",
			},
			[]string{"outcome"},
		),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellbe_session_duration_seconds",
			Help:    "Duration of SSH sessions in seconds",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 4 * 3600, 12 * 3600},
		}),
		PluginCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shellbe_plugin_calls_total",
				Help: "Total number of plugin calls by plugin, kind and status",
			},
			[]string{"plugin", "kind", "status"},
		),
		PluginCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shellbe_plugin_call_duration_seconds",
			Help:    "Latency of plugin calls in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"plugin", "kind"}),
		HookDispatchSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shellbe_hook_dispatch_duration_seconds",
			Help:    "Time to fan a hook out to all subscribed plugins",
			Buckets: prometheus.DefBuckets,
		}, []string{"hook"}),
	}

	reg.MustRegister(m.SessionsTotal)
	reg.MustRegister(m.SessionDuration)
	reg.MustRegister(m.PluginCallsTotal)
	reg.MustRegister(m.PluginCallDuration)
	reg.MustRegister(m.HookDispatchSeconds)

	return m
}

// RecordSession counts a finished session. Sessions that never connected
// have zero duration and are not observed in the histogram.
func (m *Metrics) RecordSession(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.SessionDuration.Observe(duration.Seconds())
	}
}

// RecordPluginCall counts one sandboxed plugin call.
func (m *Metrics) RecordPluginCall(plugin, kind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.PluginCallsTotal.WithLabelValues(plugin, kind, status).Inc()
	m.PluginCallDuration.WithLabelValues(plugin, kind).Observe(duration.Seconds())
}

// RecordHookDispatch observes one hook fan-out.
func (m *Metrics) RecordHookDispatch(hook string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HookDispatchSeconds.WithLabelValues(hook).Observe(duration.Seconds())
}

// WriteTextfile writes every metric in g to path in the Prometheus text
// format, replacing the file atomically.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return oops.In("observability").With("path", path).Wrap(err)
	}
	return nil
}
