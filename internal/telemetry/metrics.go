// Copyright (C) 2026 Maestro
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry holds the prometheus collectors and the OpenTelemetry
// tracing bootstrap shared by the engine, coordinator and ops server.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "maestro"

// Metrics bundles every collector the runtime records into. All fields are
// registered against the same registry so the ops /metrics endpoint exposes
// them together.
type Metrics struct {
	registry *prometheus.Registry

	WorkflowRuns     *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	StepRetries      *prometheus.CounterVec
	PersonaRequests  *prometheus.CounterVec
	PersonaTimeouts  *prometheus.CounterVec
	SeverityGaps     *prometheus.CounterVec
	BulkTasksCreated prometheus.Counter
	BulkTasksSkipped prometheus.Counter
	CoordinatorTasks *prometheus.CounterVec
	DashboardCalls   *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. A nil reg gets a fresh private
// registry, which keeps tests independent of global state.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WorkflowRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Workflow runs by definition and terminal status.",
		}, []string{"workflow", "status"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_step_duration_seconds",
			Help:      "Wall-clock duration of step execution including retries.",
			Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"workflow", "step", "status"}),
		StepRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_step_retries_total",
			Help:      "Retry attempts beyond the first, by step.",
		}, []string{"workflow", "step"}),
		PersonaRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_requests_total",
			Help:      "Persona round-trips by persona and outcome.",
		}, []string{"persona", "status"}),
		PersonaTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persona_timeouts_total",
			Help:      "Persona waits that expired before a response arrived.",
		}, []string{"persona"}),
		SeverityGaps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_severity_gap_total",
			Help:      "Review issues whose severity had to be defaulted.",
		}, []string{"review_type"}),
		BulkTasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_tasks_created_total",
			Help:      "Dashboard tasks created through bulk endpoints.",
		}),
		BulkTasksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bulk_tasks_skipped_total",
			Help:      "Bulk submissions the dashboard reported as duplicates.",
		}),
		CoordinatorTasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_tasks_processed_total",
			Help:      "Tasks the coordinator drove to a terminal status.",
		}, []string{"status"}),
		DashboardCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dashboard_requests_total",
			Help:      "HTTP calls against the dashboard API by method and code.",
		}, []string{"method", "code"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveStep records one terminal step outcome.
func (m *Metrics) ObserveStep(workflow, step, status string, d time.Duration) {
	m.StepDuration.WithLabelValues(workflow, step, status).Observe(d.Seconds())
}

// ObserveWorkflow records one terminal workflow outcome.
func (m *Metrics) ObserveWorkflow(workflow, status string) {
	m.WorkflowRuns.WithLabelValues(workflow, status).Inc()
}
