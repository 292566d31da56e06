/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package reqlimit

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelPool = "pool"

// MetricsCollector is an interface for collecting metrics of request pools.
type MetricsCollector interface {
	// IncCapacityRejects increments the counter of requests rejected due to pool capacity exceeded.
	IncCapacityRejects(poolName string)

	// IncRetries increments the counter of request re-attempts.
	IncRetries(poolName string)

	// IncInFlight increments the gauge of requests being executed at the moment.
	IncInFlight(poolName string)

	// DecInFlight decrements the gauge of requests being executed at the moment.
	DecInFlight(poolName string)
}

// PrometheusMetrics represents collector of metrics for request pools.
type PrometheusMetrics struct {
	CapacityRejects *prometheus.CounterVec
	Retries         *prometheus.CounterVec
	InFlight        *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	capacityRejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_pool_capacity_rejects_total",
		Help:      "Number of requests rejected due to pool capacity exceeded.",
	}, []string{metricsLabelPool})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "request_pool_retries_total",
		Help:      "Number of request re-attempts.",
	}, []string{metricsLabelPool})

	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "request_pool_in_flight_requests",
		Help:      "Number of requests being executed at the moment.",
	}, []string{metricsLabelPool})

	return &PrometheusMetrics{
		CapacityRejects: capacityRejects,
		Retries:         retries,
		InFlight:        inFlight,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (m *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		m.CapacityRejects,
		m.Retries,
		m.InFlight,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (m *PrometheusMetrics) Unregister() {
	prometheus.Unregister(m.CapacityRejects)
	prometheus.Unregister(m.Retries)
	prometheus.Unregister(m.InFlight)
}

// IncCapacityRejects increments the counter of requests rejected due to pool capacity exceeded.
func (m *PrometheusMetrics) IncCapacityRejects(poolName string) {
	m.CapacityRejects.With(prometheus.Labels{metricsLabelPool: poolName}).Inc()
}

// IncRetries increments the counter of request re-attempts.
func (m *PrometheusMetrics) IncRetries(poolName string) {
	m.Retries.With(prometheus.Labels{metricsLabelPool: poolName}).Inc()
}

// IncInFlight increments the gauge of requests being executed at the moment.
func (m *PrometheusMetrics) IncInFlight(poolName string) {
	m.InFlight.With(prometheus.Labels{metricsLabelPool: poolName}).Inc()
}

// DecInFlight decrements the gauge of requests being executed at the moment.
func (m *PrometheusMetrics) DecInFlight(poolName string) {
	m.InFlight.With(prometheus.Labels{metricsLabelPool: poolName}).Dec()
}

type disabledMetrics struct{}

func (disabledMetrics) IncCapacityRejects(string) {}
func (disabledMetrics) IncRetries(string)         {}
func (disabledMetrics) IncInFlight(string)        {}
func (disabledMetrics) DecInFlight(string)        {}
