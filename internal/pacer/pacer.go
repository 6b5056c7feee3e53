// Package pacer enforces a minimum spacing between outbound upstream
// calls so a fixed quota (N calls per window) is never exceeded.
package pacer

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Pacer grants call slots no closer together than window/maxCalls. It is
// intended to be called from a single worker, so slot granting is already
// serialized; the limiter just supplies the timing.
type Pacer struct {
	limiter  *rate.Limiter
	interval time.Duration
}

func New(maxCalls int, window time.Duration) (*Pacer, error) {
	if maxCalls <= 0 {
		return nil, fmt.Errorf("maxCalls must be > 0")
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be > 0")
	}

	interval := window / time.Duration(maxCalls)
	return &Pacer{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
	}, nil
}

// Wait blocks until the next slot is available, or until ctx is done. It
// returns immediately if at least Interval has passed since the previous
// granted slot.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Interval is the enforced minimum spacing between granted slots.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
