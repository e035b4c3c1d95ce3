// Copyright 2025 Stagehand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes daemon telemetry as prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements run.Metrics backed by a prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	runsQueued    prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stepDuration  *prometheus.HistogramVec
	activeWorkers prometheus.Gauge

	schedulerFires prometheus.Counter
	schedulerSkips prometheus.Counter
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "runs_queued_total",
			Help:      "Runs admitted to the queue.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "runs_finished_total",
			Help:      "Runs reaching a terminal status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "stagehand",
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagehand",
			Name:      "step_duration_seconds",
			Help:      "Wall time of individual step executions.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"provider", "outcome"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "stagehand",
			Name:      "active_run_workers",
			Help:      "Currently running run workers.",
		}),
		schedulerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "scheduler_fires_total",
			Help:      "Fresh scheduler firings dispatched.",
		}),
		schedulerSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "scheduler_skips_total",
			Help:      "Scheduler firings skipped (active run or preflight failure).",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagehand",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagehand",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.runsQueued, m.runsFinished, m.runDuration, m.stepDuration,
		m.activeWorkers, m.schedulerFires, m.schedulerSkips,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunQueued implements run.Metrics.
func (m *Metrics) RunQueued() {
	m.runsQueued.Inc()
}

// RunFinished implements run.Metrics.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

// StepFinished implements run.Metrics.
func (m *Metrics) StepFinished(providerKind, outcome string, duration time.Duration) {
	m.stepDuration.WithLabelValues(providerKind, outcome).Observe(duration.Seconds())
}

// WorkerStarted implements run.Metrics.
func (m *Metrics) WorkerStarted() {
	m.activeWorkers.Inc()
}

// WorkerStopped implements run.Metrics.
func (m *Metrics) WorkerStopped() {
	m.activeWorkers.Dec()
}

// SchedulerFired counts a fresh scheduled dispatch.
func (m *Metrics) SchedulerFired() {
	m.schedulerFires.Inc()
}

// SchedulerSkipped counts a skipped firing.
func (m *Metrics) SchedulerSkipped() {
	m.schedulerSkips.Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, statusClass string, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, statusClass).Inc()
	m.httpDuration.WithLabelValues(method).Observe(duration.Seconds())
}
