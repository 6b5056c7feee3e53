// Package breaker provides a consecutive-failure circuit breaker with a
// per-dependency registry. Open circuits reject calls fast and recover
// through a half-open probe after a timeout; the transition to half-open
// happens lazily on state queries, there is no background timer.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitOpenError is returned without attempting the call when the
// circuit is open.
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return "circuit breaker " + e.Name + " is open"
}

// StateSink receives state transitions, typically backed by a gauge.
type StateSink interface {
	ObserveBreakerState(name string, state State)
}

type noopSink struct{}

func (noopSink) ObserveBreakerState(string, State) {}

type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// Ignore marks errors that must not count toward the failure
	// threshold, e.g. upstream throttling.
	Ignore func(error) bool
	Clock  clockwork.Clock
	Sink   StateSink
	Logger *zap.Logger
}

type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	totalCalls uint64
	successes  uint64
	rejected   uint64
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	b := &Breaker{name: name, cfg: cfg}
	cfg.Sink.ObserveBreakerState(name, Closed)
	return b
}

// State returns the current state, applying the lazy Open -> HalfOpen
// transition once the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Breaker) stateLocked() State {
	if b.state == Open && b.cfg.Clock.Since(b.lastFailure) > b.cfg.RecoveryTimeout {
		b.transitionLocked(HalfOpen)
		b.failures = 0
	}
	return b.state
}

// Do executes fn unless the circuit is open. Success resets the failure
// count and closes a half-open circuit. Failure increments the count and
// opens the circuit at the threshold, except for ignored (rate-limited)
// errors, which propagate without being counted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	b.mu.Lock()
	b.totalCalls++
	if b.stateLocked() == Open {
		b.rejected++
		b.mu.Unlock()
		return &CircuitOpenError{Name: b.name}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.successes++
		b.failures = 0
		if b.state == HalfOpen {
			b.transitionLocked(Closed)
		}
	case b.cfg.Ignore != nil && b.cfg.Ignore(err):
		// Upstream throttling is not a dependency fault.
	default:
		b.failures++
		b.lastFailure = b.cfg.Clock.Now()
		if b.state == HalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
		}
	}
	return err
}

func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.cfg.Sink.ObserveBreakerState(b.name, to)
	b.cfg.Logger.Info("circuit breaker state change",
		zap.String("dependency", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalCalls          uint64    `json:"total_calls"`
	Successes           uint64    `json:"successes"`
	Rejected            uint64    `json:"rejected"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               b.stateLocked().String(),
		ConsecutiveFailures: b.failures,
		TotalCalls:          b.totalCalls,
		Successes:           b.successes,
		Rejected:            b.rejected,
		LastFailure:         b.lastFailure,
	}
}
