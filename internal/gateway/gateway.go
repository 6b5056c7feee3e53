// Package gateway is the only path to the upstream price API. A single
// worker drains a priority queue of pending calls, paces them through the
// quota pacer and routes them through the circuit breaker. Callers get
// their results back through single-assignment result slots, so any number
// of concurrent callers share one strictly serialized upstream lane.
package gateway

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pricegate/pricegate/internal/breaker"
	"github.com/pricegate/pricegate/internal/upstream"
)

// ErrClosed is returned for calls enqueued against a closed gateway and
// for calls still queued when the gateway shuts down.
var ErrClosed = errors.New("gateway closed")

const enqueueBuffer = 256

type Config struct {
	Pacer   Pacer
	Breaker Breaker
	Invoker Invoker
	Metrics MetricsSink
	Logger  *zap.Logger
}

type Gateway struct {
	cfg       Config
	enqueueCh chan *pendingCall
	closeCh   chan chan struct{}
	done      chan struct{}

	total      atomic.Uint64
	successful atomic.Uint64
	failed     atomic.Uint64
	queueDepth atomic.Int64
	waitNS     atomic.Uint64
	waitCount  atomic.Uint64
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Pacer == nil {
		return nil, fmt.Errorf("Pacer is required")
	}
	if cfg.Breaker == nil {
		return nil, fmt.Errorf("Breaker is required")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("Invoker is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	g := &Gateway{
		cfg:       cfg,
		enqueueCh: make(chan *pendingCall, enqueueBuffer),
		closeCh:   make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	go g.run()

	return g, nil
}

// SimplePrice enqueues a current-price fetch and awaits its result.
func (g *Gateway) SimplePrice(ctx context.Context, symbol, quote string, priority Priority) (Response, error) {
	return g.Invoke(ctx, Operation{Kind: KindSimplePrice, Symbol: symbol, Quote: quote}, priority)
}

// MarketChart enqueues a historical-series fetch and awaits its result.
func (g *Gateway) MarketChart(ctx context.Context, symbol, quote string, days int, priority Priority) (Response, error) {
	return g.Invoke(ctx, Operation{Kind: KindMarketChart, Symbol: symbol, Quote: quote, Days: days}, priority)
}

// Invoke queues op and blocks until the worker fulfills the call or ctx is
// done. Abandoning the wait leaves the call in the queue; its eventual
// result is discarded.
func (g *Gateway) Invoke(ctx context.Context, op Operation, priority Priority) (Response, error) {
	call := &pendingCall{
		ctx:      ctx,
		op:       op,
		priority: priority,
		enqueued: time.Now(),
		resp:     make(chan callResult, 1),
	}

	select {
	case g.enqueueCh <- call:
		// The send can win the race against a concurrent Close because
		// the channel is buffered. Re-check: a call parked in the buffer
		// after the worker stopped would never be served.
		select {
		case <-g.done:
			select {
			case out := <-call.resp:
				return out.resp, out.err
			default:
				return Response{}, ErrClosed
			}
		default:
		}
	case <-g.done:
		return Response{}, ErrClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case out := <-call.resp:
		return out.resp, out.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Stats returns a snapshot of gateway activity.
func (g *Gateway) Stats() Stats {
	s := Stats{
		TotalCalls:      g.total.Load(),
		SuccessfulCalls: g.successful.Load(),
		FailedCalls:     g.failed.Load(),
		QueueDepth:      int(g.queueDepth.Load()),
	}
	if count := g.waitCount.Load(); count > 0 {
		s.AverageWaitMS = float64(g.waitNS.Load()) / float64(count) / float64(time.Millisecond)
	}
	return s
}

// Close stops the worker. Calls still queued fail with ErrClosed.
func (g *Gateway) Close() error {
	done := make(chan struct{})
	select {
	case g.closeCh <- done:
		<-done
	case <-g.done:
	}
	return nil
}

func (g *Gateway) run() {
	queue := callHeap{}
	heap.Init(&queue)
	var nextSeq uint64

	admit := func(call *pendingCall) {
		call.seq = nextSeq
		nextSeq++
		heap.Push(&queue, call)
		g.queueDepth.Store(int64(queue.Len()))
		g.cfg.Metrics.ObserveQueueDepth(queue.Len())
	}

	for {
		if queue.Len() == 0 {
			select {
			case call := <-g.enqueueCh:
				admit(call)
			case done := <-g.closeCh:
				g.shutdown(&queue, done)
				return
			}
			continue
		}

		// Admit everything already waiting so priority ordering sees the
		// full backlog before the next dispatch.
		drained := false
		for !drained {
			select {
			case call := <-g.enqueueCh:
				admit(call)
			case done := <-g.closeCh:
				g.shutdown(&queue, done)
				return
			default:
				drained = true
			}
		}

		call := heap.Pop(&queue).(*pendingCall)
		g.queueDepth.Store(int64(queue.Len()))
		g.cfg.Metrics.ObserveQueueDepth(queue.Len())
		g.process(call)
	}
}

func (g *Gateway) process(call *pendingCall) {
	// An abandoned caller's slot must never block the worker, and its
	// call must not burn quota.
	if err := call.ctx.Err(); err != nil {
		g.finish(call, Response{}, err, "canceled")
		return
	}

	if err := g.cfg.Pacer.Wait(call.ctx); err != nil {
		g.finish(call, Response{}, err, "canceled")
		return
	}

	var resp Response
	err := g.cfg.Breaker.Do(call.ctx, func(ctx context.Context) error {
		var invokeErr error
		switch call.op.Kind {
		case KindSimplePrice:
			resp.Price, invokeErr = g.cfg.Invoker.SimplePrice(ctx, call.op.Symbol, call.op.Quote)
		case KindMarketChart:
			resp.Chart, invokeErr = g.cfg.Invoker.MarketChart(ctx, call.op.Symbol, call.op.Quote, call.op.Days)
		default:
			invokeErr = fmt.Errorf("unknown operation kind %d", call.op.Kind)
		}
		return invokeErr
	})

	if err != nil {
		g.cfg.Logger.Warn("upstream call failed",
			zap.Stringer("operation", call.op.Kind),
			zap.String("symbol", call.op.Symbol),
			zap.Error(err),
		)
		g.finish(call, Response{}, err, outcome(err))
		return
	}
	g.finish(call, resp, nil, "success")
}

func (g *Gateway) finish(call *pendingCall, resp Response, err error, outcome string) {
	wait := time.Since(call.enqueued)
	g.total.Add(1)
	if err == nil {
		g.successful.Add(1)
	} else {
		g.failed.Add(1)
	}
	g.waitNS.Add(uint64(wait))
	g.waitCount.Add(1)
	g.cfg.Metrics.ObserveGatewayCall(outcome, wait)

	// The slot is buffered, so this never blocks even when the caller is
	// long gone.
	select {
	case call.resp <- callResult{resp: resp, err: err}:
	default:
	}
}

func outcome(err error) string {
	var open *breaker.CircuitOpenError
	switch {
	case errors.As(err, &open):
		return "circuit_open"
	case upstream.IsRateLimit(err):
		return "rate_limited"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "upstream_error"
	}
}

func (g *Gateway) shutdown(queue *callHeap, done chan struct{}) {
	close(g.done)

	// Fail calls that made it into the enqueue buffer but were never
	// admitted; nothing will drain the channel after this.
drain:
	for {
		select {
		case call := <-g.enqueueCh:
			select {
			case call.resp <- callResult{err: ErrClosed}:
			default:
			}
		default:
			break drain
		}
	}

	for queue.Len() > 0 {
		call := heap.Pop(queue).(*pendingCall)
		select {
		case call.resp <- callResult{err: ErrClosed}:
		default:
		}
	}
	g.queueDepth.Store(0)
	g.cfg.Metrics.ObserveQueueDepth(0)
	close(done)
}
