// Package observability exposes the prometheus registries for the lending
// engine, oracle aggregator and HTTP gateway. Registries are lazily
// initialised so importing a package never registers collectors it does not
// use.
package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	oracleMetricsOnce sync.Once
	oracleRegistry    *OracleMetrics

	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// EngineMetrics records lending engine operation activity.
type EngineMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations prometheus.Counter
	flashLoans   *prometheus.CounterVec
}

// Engine returns the lazily-initialised engine metrics registry.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendcore",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "engine",
				Name:      "liquidations_total",
				Help:      "Count of completed liquidations.",
			}),
			flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "engine",
				Name:      "flash_loans_total",
				Help:      "Count of flash loans segmented by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			engineRegistry.operations,
			engineRegistry.latency,
			engineRegistry.liquidations,
			engineRegistry.flashLoans,
		)
	})
	return engineRegistry
}

// Observe records one engine operation outcome.
func (m *EngineMetrics) Observe(operation string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordLiquidation increments the liquidation counter.
func (m *EngineMetrics) RecordLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// RecordFlashLoan records one flash loan outcome.
func (m *EngineMetrics) RecordFlashLoan(err error) {
	if m == nil {
		return
	}
	outcome := "settled"
	if err != nil {
		outcome = "rolled_back"
	}
	m.flashLoans.WithLabelValues(outcome).Inc()
}

// OracleMetrics records price aggregation health.
type OracleMetrics struct {
	queries       *prometheus.CounterVec
	sourceErrors  *prometheus.CounterVec
	breakerStatus *prometheus.GaugeVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleMetricsOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "queries_total",
				Help:      "Total price queries segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			sourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "source_errors_total",
				Help:      "Per-source validation failures segmented by asset, source and reason.",
			}, []string{"asset", "source", "reason"}),
			breakerStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "lendcore",
				Subsystem: "oracle",
				Name:      "circuit_breaker_active",
				Help:      "1 while the asset's circuit breaker is latched, 0 otherwise.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			oracleRegistry.queries,
			oracleRegistry.sourceErrors,
			oracleRegistry.breakerStatus,
		)
	})
	return oracleRegistry
}

// ObserveQuery records one aggregate price query outcome.
func (m *OracleMetrics) ObserveQuery(asset string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.queries.WithLabelValues(asset, outcome).Inc()
}

// RecordSourceError records one per-source validation failure.
func (m *OracleMetrics) RecordSourceError(asset, source, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.sourceErrors.WithLabelValues(asset, source, reason).Inc()
}

// SetBreaker reflects the circuit breaker state for an asset.
func (m *OracleMetrics) SetBreaker(asset string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1.0
	}
	m.breakerStatus.WithLabelValues(asset).Set(value)
}

// GatewayMetrics records HTTP gateway activity.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total HTTP errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "lendcore",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "lendcore",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by rate limiting.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records one HTTP request outcome.
func (m *GatewayMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for a route.
func (m *GatewayMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}
