// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the manager's hot paths. A nil *Metrics is valid
// and records nothing, so tests can run without a registry.
type Metrics struct {
	dispatches    *prometheus.CounterVec
	dispatchTime  *prometheus.HistogramVec
	sandboxKills  *prometheus.CounterVec
	updates       *prometheus.CounterVec
	pluginsLoaded prometheus.Gauge
}

// NewMetrics registers the manager's metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumina_intent_dispatches_total",
			Help: "Intent dispatches by plugin and outcome",
		}, []string{"plugin", "intent", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lumina_intent_latency_seconds",
			Help:    "Intent dispatch latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"plugin"}),
		sandboxKills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumina_sandbox_kills_total",
			Help: "Sandboxes killed for resource limit breaches, by dimension",
		}, []string{"plugin", "dimension"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lumina_updates_total",
			Help: "Plugin update outcomes",
		}, []string{"plugin", "outcome"}),
		pluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lumina_plugins_loaded",
			Help: "Currently loaded plugin instances",
		}),
	}
	reg.MustRegister(m.dispatches, m.dispatchTime, m.sandboxKills, m.updates, m.pluginsLoaded)
	return m
}

func (m *Metrics) observeDispatch(pluginID, intentID, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(pluginID, intentID, outcome).Inc()
	m.dispatchTime.WithLabelValues(pluginID).Observe(elapsed.Seconds())
}

func (m *Metrics) observeKill(pluginID, dimension string) {
	if m == nil {
		return
	}
	m.sandboxKills.WithLabelValues(pluginID, dimension).Inc()
}

func (m *Metrics) observeUpdate(pluginID, outcome string) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(pluginID, outcome).Inc()
}

func (m *Metrics) setLoaded(n int) {
	if m == nil {
		return
	}
	m.pluginsLoaded.Set(float64(n))
}
