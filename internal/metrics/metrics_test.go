package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pricegate/pricegate/internal/breaker"
)

func TestSinksUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveGatewayCall("success", 20*time.Millisecond)
	m.ObserveGatewayCall("success", 40*time.Millisecond)
	m.ObserveGatewayCall("rate_limited", time.Second)
	m.ObserveQueueDepth(7)
	m.ObserveBreakerState("coingecko", breaker.Open)
	m.ObserveCacheLookup("l1", "hit")
	m.ObserveCacheLookup("l2", "miss")
	m.ObserveLock("contended")

	if got := testutil.ToFloat64(m.GatewayCalls.WithLabelValues("success")); got != 2 {
		t.Errorf("gateway_calls_total{outcome=success} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("gateway_queue_depth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("coingecko")); got != 1 {
		t.Errorf("circuit_breaker_state{dependency=coingecko} = %v, want 1 (open)", got)
	}
	if got := testutil.ToFloat64(m.CacheLookups.WithLabelValues("l1", "hit")); got != 1 {
		t.Errorf("cache_lookups_total{tier=l1,outcome=hit} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LockAttempts.WithLabelValues("contended")); got != 1 {
		t.Errorf("fetch_lock_attempts_total{outcome=contended} = %v, want 1", got)
	}
}

func TestRegistersWithoutCollision(t *testing.T) {
	defer func() {
		if recover() != nil {
			t.Fatal("registering on a fresh registry panicked")
		}
	}()
	New(prometheus.NewRegistry())
}
