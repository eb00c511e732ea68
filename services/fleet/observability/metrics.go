// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the
// fleet gateway.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// routing proxy and the model lifecycle controller. Metrics include:
//   - Proxy request counters (by model, status)
//   - Token usage (input/output tokens by model)
//   - Model start duration histograms and outcome counters
//   - Eviction and idle-stop counters
//   - Log fan-out subscriber drops
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus
// + Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "fleet"

// Subsystems
const (
	proxySubsystem      = "proxy"
	controllerSubsystem = "controller"
	logsSubsystem       = "logs"
)

// FleetMetrics holds all Prometheus metrics for the gateway.
//
// # Fields
//
//   - ProxyRequestsTotal: Counter of forwarded requests by model and status.
//   - ActiveForwards: Gauge of requests currently in flight.
//   - TokensTotal: Counter of tokens by direction and model.
//   - StartDurationSeconds: Histogram of model start attempts.
//   - StartsTotal: Counter of start attempts by model and outcome.
//   - EvictionsTotal: Counter of admission evictions by model evicted.
//   - IdleStopsTotal: Counter of idle sweeper stops.
//   - SubscriberDropsTotal: Counter of log subscribers dropped for lag.
//
// # Thread Safety
//
// All operations are thread-safe.
type FleetMetrics struct {
	// ProxyRequestsTotal counts forwarded requests.
	// Labels: model, status (success, error)
	ProxyRequestsTotal *prometheus.CounterVec

	// ActiveForwards tracks requests currently being forwarded.
	// Labels: model
	ActiveForwards *prometheus.GaugeVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// StartDurationSeconds measures model start latency.
	// Labels: model
	StartDurationSeconds *prometheus.HistogramVec

	// StartsTotal counts start attempts by outcome.
	// Labels: model, outcome (success, failure)
	StartsTotal *prometheus.CounterVec

	// EvictionsTotal counts idle models stopped to admit another.
	// Labels: model
	EvictionsTotal *prometheus.CounterVec

	// IdleStopsTotal counts models stopped by the idle sweeper.
	// Labels: model
	IdleStopsTotal *prometheus.CounterVec

	// SubscriberDropsTotal counts log subscribers dropped for lag.
	// Labels: model
	SubscriberDropsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of FleetMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *FleetMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Outputs
//
//   - *FleetMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *FleetMetrics {
	DefaultMetrics = &FleetMetrics{
		ProxyRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proxySubsystem,
				Name:      "requests_total",
				Help:      "Total forwarded requests by model and status",
			},
			[]string{"model", "status"},
		),

		ActiveForwards: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: proxySubsystem,
				Name:      "active_forwards",
				Help:      "Requests currently being forwarded",
			},
			[]string{"model"},
		),

		TokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: proxySubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		StartDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: controllerSubsystem,
				Name:      "start_duration_seconds",
				Help:      "Time from spawn to routing (or failure) in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model"},
		),

		StartsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controllerSubsystem,
				Name:      "starts_total",
				Help:      "Model start attempts by outcome",
			},
			[]string{"model", "outcome"},
		),

		EvictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controllerSubsystem,
				Name:      "evictions_total",
				Help:      "Idle models stopped to admit another model",
			},
			[]string{"model"},
		),

		IdleStopsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: controllerSubsystem,
				Name:      "idle_stops_total",
				Help:      "Models stopped by the idle sweeper",
			},
			[]string{"model"},
		),

		SubscriberDropsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: logsSubsystem,
				Name:      "subscriber_drops_total",
				Help:      "Log subscribers dropped because their queue overflowed",
			},
			[]string{"model"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed forward.
//
// # Inputs
//
//   - model: Canonical model name.
//   - success: Whether the forward completed without error.
func (m *FleetMetrics) RecordRequest(model string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.ProxyRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordTokens records token usage for a forwarded request.
func (m *FleetMetrics) RecordTokens(model string, inputTokens, outputTokens int64) {
	m.TokensTotal.WithLabelValues("input", model).Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues("output", model).Add(float64(outputTokens))
}

// ForwardStarted increments the active forwards gauge.
func (m *FleetMetrics) ForwardStarted(model string) {
	m.ActiveForwards.WithLabelValues(model).Inc()
}

// ForwardEnded decrements the active forwards gauge.
func (m *FleetMetrics) ForwardEnded(model string) {
	m.ActiveForwards.WithLabelValues(model).Dec()
}

// RecordStart records a finished start attempt.
//
// # Inputs
//
//   - model: Canonical model name.
//   - outcome: "success" or "failure".
//   - seconds: Attempt duration.
func (m *FleetMetrics) RecordStart(model, outcome string, seconds float64) {
	m.StartsTotal.WithLabelValues(model, outcome).Inc()
	m.StartDurationSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordEviction records an admission eviction.
func (m *FleetMetrics) RecordEviction(model string) {
	m.EvictionsTotal.WithLabelValues(model).Inc()
}

// RecordIdleStop records an idle sweeper stop.
func (m *FleetMetrics) RecordIdleStop(model string) {
	m.IdleStopsTotal.WithLabelValues(model).Inc()
}

// RecordSubscriberDrop records a log subscriber dropped for lag.
func (m *FleetMetrics) RecordSubscriberDrop(model string) {
	m.SubscriberDropsTotal.WithLabelValues(model).Inc()
}
