// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetrics contains Prometheus metrics for the sync client and poller
type SyncMetrics struct {
	registry *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	UnchangedRefresh   prometheus.Counter
	CollectionSize     prometheus.Gauge
	BackendConnected   prometheus.Gauge
	LastRefreshSuccess prometheus.Gauge
}

// New creates the sync metrics on a private registry, so that several
// instances can coexist in one process (tests, embedded use).
func New() *SyncMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &SyncMetrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kahva_backend_requests_total",
			Help: "Total number of backend requests by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kahva_backend_request_duration_seconds",
			Help:    "Time spent waiting for backend responses",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kahva_backend_retries_total",
			Help: "Total number of retried backend requests",
		}, []string{"endpoint"}),
		UnchangedRefresh: factory.NewCounter(prometheus.CounterOpts{
			Name: "kahva_refresh_unchanged_total",
			Help: "Total number of refreshes whose response matched the previous one",
		}),
		CollectionSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kahva_collection_size",
			Help: "Number of torrents held by the store",
		}),
		BackendConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kahva_backend_connected",
			Help: "1 once a liveness probe has succeeded",
		}),
		LastRefreshSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kahva_last_refresh_success_timestamp_seconds",
			Help: "Unix time of the last successful refresh",
		}),
	}
}

func (m *SyncMetrics) ObserveRequest(endpoint, outcome string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

func (m *SyncMetrics) ObserveRetry(endpoint string) {
	m.RetriesTotal.WithLabelValues(endpoint).Inc()
}

func (m *SyncMetrics) ObserveUnchanged() {
	m.UnchangedRefresh.Inc()
}

func (m *SyncMetrics) SetCollectionSize(n int) {
	m.CollectionSize.Set(float64(n))
	m.LastRefreshSuccess.SetToCurrentTime()
}

func (m *SyncMetrics) SetConnected(connected bool) {
	if connected {
		m.BackendConnected.Set(1)
		return
	}
	m.BackendConnected.Set(0)
}

// Registry exposes the private registry, mainly for tests.
func (m *SyncMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *SyncMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
