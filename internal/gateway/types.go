package gateway

import (
	"context"
	"time"

	"github.com/pricegate/pricegate/internal/pricing"
)

// Priority orders pending calls; lower values dispatch first. Calls with
// equal priority dispatch in enqueue order.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 5
	PriorityLow    Priority = 8
)

// Kind selects one of the closed set of upstream operations.
type Kind uint8

const (
	KindSimplePrice Kind = iota
	KindMarketChart
)

func (k Kind) String() string {
	switch k {
	case KindSimplePrice:
		return "simple_price"
	case KindMarketChart:
		return "market_chart"
	default:
		return "unknown"
	}
}

// Operation is a typed upstream request. Fields beyond Symbol/Quote are
// meaningful only for specific kinds (Days for market charts).
type Operation struct {
	Kind   Kind
	Symbol string
	Quote  string
	Days   int
}

// Response carries the result of whichever operation kind was invoked.
type Response struct {
	Price pricing.PriceRecord
	Chart pricing.MarketChart
}

// Invoker executes operations against the upstream API. Satisfied by
// *upstream.Client.
type Invoker interface {
	SimplePrice(ctx context.Context, symbol, quote string) (pricing.PriceRecord, error)
	MarketChart(ctx context.Context, symbol, quote string, days int) (pricing.MarketChart, error)
}

// Pacer grants upstream call slots. Satisfied by *pacer.Pacer.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Breaker guards upstream calls. Satisfied by *breaker.Breaker.
type Breaker interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

// MetricsSink receives per-call observations.
type MetricsSink interface {
	ObserveGatewayCall(outcome string, wait time.Duration)
	ObserveQueueDepth(depth int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveGatewayCall(string, time.Duration) {}

func (noopMetrics) ObserveQueueDepth(int) {}

type pendingCall struct {
	ctx      context.Context
	op       Operation
	priority Priority
	seq      uint64
	enqueued time.Time
	resp     chan callResult
	index    int
}

type callResult struct {
	resp Response
	err  error
}

// Stats is a read-only snapshot of gateway activity.
type Stats struct {
	TotalCalls      uint64  `json:"total_calls"`
	SuccessfulCalls uint64  `json:"successful_calls"`
	FailedCalls     uint64  `json:"failed_calls"`
	QueueDepth      int     `json:"queue_depth"`
	AverageWaitMS   float64 `json:"average_wait_ms"`
}
