// Package metrics exposes Prometheus collectors and adapts them to the
// sink seams consumed by the gateway, breaker and price service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pricegate/pricegate/internal/breaker"
)

type Metrics struct {
	GatewayCalls *prometheus.CounterVec // outcome=success|upstream_error|rate_limited|circuit_open|canceled
	GatewayWait  prometheus.Histogram
	QueueDepth   prometheus.Gauge

	BreakerState *prometheus.GaugeVec // dependency -> 0 closed, 1 open, 2 half-open

	CacheLookups *prometheus.CounterVec // tier=l1|l2, outcome=hit|miss|stale|error
	LockAttempts *prometheus.CounterVec // outcome=acquired|contended|error
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		GatewayCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_calls_total",
				Help: "Upstream gateway calls by outcome",
			},
			[]string{"outcome"},
		),
		GatewayWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_wait_seconds",
				Help:    "Time from enqueue to call completion",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~20s
			},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_queue_depth",
			Help: "Pending calls waiting for dispatch",
		}),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"dependency"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Cache lookups by tier and outcome",
			},
			[]string{"tier", "outcome"},
		),
		LockAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetch_lock_attempts_total",
				Help: "Distributed fetch-lock attempts by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.GatewayCalls,
		m.GatewayWait,
		m.QueueDepth,
		m.BreakerState,
		m.CacheLookups,
		m.LockAttempts,
	)

	return m
}

// ObserveGatewayCall implements gateway.MetricsSink.
func (m *Metrics) ObserveGatewayCall(outcome string, wait time.Duration) {
	m.GatewayCalls.WithLabelValues(outcome).Inc()
	m.GatewayWait.Observe(wait.Seconds())
}

// ObserveQueueDepth implements gateway.MetricsSink.
func (m *Metrics) ObserveQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// ObserveBreakerState implements breaker.StateSink.
func (m *Metrics) ObserveBreakerState(name string, state breaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// ObserveCacheLookup implements price.MetricsSink.
func (m *Metrics) ObserveCacheLookup(tier, outcome string) {
	m.CacheLookups.WithLabelValues(tier, outcome).Inc()
}

// ObserveLock implements price.MetricsSink.
func (m *Metrics) ObserveLock(outcome string) {
	m.LockAttempts.WithLabelValues(outcome).Inc()
}
