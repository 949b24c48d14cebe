// SPDX-FileCopyrightText: Copyright 2026 Snowgate Authors
// SPDX-License-Identifier: Apache-2.0

// Package monitoring is the gateway's observability surface: Prometheus
// metrics, an OpenTelemetry provider for traces and OTLP export, a
// query performance tracker with pattern analysis and a slow-query
// window, a rule-driven alert engine with pluggable notifiers, and a
// process collector sampling RSS and CPU.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns every Prometheus instrument the gateway emits. One
// instance per process, registered on its own registry so tests can
// build isolated copies.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queriesTotal    *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	errorsTotal     *prometheus.CounterVec
	rateLimitHits   *prometheus.CounterVec
	quotaDenials    *prometheus.CounterVec

	breakerState    *prometheus.GaugeVec
	poolConnections *prometheus.GaugeVec
	poolUtilization prometheus.Gauge
	acquireWait     prometheus.Histogram
	activeRequests  prometheus.Gauge
	allocatedAmount *prometheus.GaugeVec

	processMemory prometheus.Gauge
	processCPU    prometheus.Gauge
}

// NewMetrics builds the instrument set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowgate_requests_total",
			Help: "Tool requests by tool name and outcome.",
		}, []string{"tool", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snowgate_request_duration_seconds",
			Help:    "End-to-end tool request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		queriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowgate_queries_total",
			Help: "Warehouse statements by type and outcome.",
		}, []string{"query_type", "status"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snowgate_query_duration_seconds",
			Help:    "Warehouse statement latency.",
			Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"query_type"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowgate_errors_total",
			Help: "Errors by kind.",
		}, []string{"kind"}),
		rateLimitHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowgate_rate_limit_hits_total",
			Help: "Denied calls by rate-limit dimension.",
		}, []string{"limit_type"}),
		quotaDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "snowgate_quota_denials_total",
			Help: "Denied calls by quota type.",
		}, []string{"quota_type"}),
		breakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snowgate_circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"name"}),
		poolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snowgate_pool_connections",
			Help: "Pooled connections by state.",
		}, []string{"state"}),
		poolUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowgate_pool_utilization_percent",
			Help: "Connection pool utilization.",
		}),
		acquireWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "snowgate_pool_acquire_wait_seconds",
			Help:    "Time spent waiting to borrow a connection.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowgate_active_requests",
			Help: "Requests currently in flight.",
		}),
		allocatedAmount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snowgate_allocated_resources",
			Help: "Units currently allocated per resource type.",
		}, []string{"resource"}),
		processMemory: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowgate_process_memory_bytes",
			Help: "Resident set size of the gateway process.",
		}),
		processCPU: factory.NewGauge(prometheus.GaugeOpts{
			Name: "snowgate_process_cpu_percent",
			Help: "CPU utilization of the gateway process.",
		}),
	}
}

// Registry exposes the backing registry for the telemetry provider.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one finished tool request.
func (m *Metrics) RecordRequest(tool, status string, d time.Duration) {
	m.requestsTotal.WithLabelValues(tool, status).Inc()
	m.requestDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// RecordQuery counts one warehouse statement.
func (m *Metrics) RecordQuery(queryType, status string, d time.Duration) {
	m.queriesTotal.WithLabelValues(queryType, status).Inc()
	m.queryDuration.WithLabelValues(queryType).Observe(d.Seconds())
}

// RecordError counts an error by kind.
func (m *Metrics) RecordError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordRateLimitHit counts a denial on one rate-limit dimension.
func (m *Metrics) RecordRateLimitHit(limitType string) {
	m.rateLimitHits.WithLabelValues(limitType).Inc()
}

// RecordQuotaDenial counts a quota denial.
func (m *Metrics) RecordQuotaDenial(quotaType string) {
	m.quotaDenials.WithLabelValues(quotaType).Inc()
}

// SetBreakerState publishes a breaker's state.
func (m *Metrics) SetBreakerState(name string, state float64) {
	m.breakerState.WithLabelValues(name).Set(state)
}

// SetPoolGauges publishes the pool snapshot.
func (m *Metrics) SetPoolGauges(inUse, idle, total int, utilization float64) {
	m.poolConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.poolConnections.WithLabelValues("idle").Set(float64(idle))
	m.poolConnections.WithLabelValues("total").Set(float64(total))
	m.poolUtilization.Set(utilization)
}

// ObserveAcquireWait records one pool acquire wait.
func (m *Metrics) ObserveAcquireWait(d time.Duration) {
	m.acquireWait.Observe(d.Seconds())
}

// RequestStarted and RequestFinished move the in-flight gauge.
func (m *Metrics) RequestStarted()  { m.activeRequests.Inc() }
func (m *Metrics) RequestFinished() { m.activeRequests.Dec() }

// SetAllocated publishes current allocation per resource type.
func (m *Metrics) SetAllocated(resource string, amount float64) {
	m.allocatedAmount.WithLabelValues(resource).Set(amount)
}

// SetProcessStats publishes the system collector's latest sample.
func (m *Metrics) SetProcessStats(rssBytes uint64, cpuPercent float64) {
	m.processMemory.Set(float64(rssBytes))
	m.processCPU.Set(cpuPercent)
}
