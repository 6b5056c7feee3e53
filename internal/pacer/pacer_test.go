package pacer

import (
	"context"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name     string
		maxCalls int
		window   time.Duration
		wantErr  bool
	}{
		{name: "valid", maxCalls: 30, window: time.Minute},
		{name: "zero calls", maxCalls: 0, window: time.Minute, wantErr: true},
		{name: "negative window", maxCalls: 1, window: -time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.maxCalls, tt.window)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInterval(t *testing.T) {
	p, err := New(30, time.Minute)
	if err != nil {
		t.Fatalf("new pacer: %v", err)
	}
	if got := p.Interval(); got != 2*time.Second {
		t.Errorf("Interval() = %s, want 2s", got)
	}
}

// Sustained load beyond the quota must never produce two grants closer
// together than the enforced interval.
func TestWaitSpacingUnderLoad(t *testing.T) {
	const calls = 6
	interval := 20 * time.Millisecond

	p, err := New(1, interval)
	if err != nil {
		t.Fatalf("new pacer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stamps := make([]time.Time, 0, calls)
	for i := 0; i < calls; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("wait #%d: %v", i, err)
		}
		stamps = append(stamps, time.Now())
	}

	// Allow a small tolerance for timer coarseness.
	minGap := interval - 2*time.Millisecond
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < minGap {
			t.Errorf("grants %d and %d only %s apart, want >= %s", i-1, i, gap, interval)
		}
	}
}

func TestWaitHonorsContext(t *testing.T) {
	p, err := New(1, time.Hour)
	if err != nil {
		t.Fatalf("new pacer: %v", err)
	}

	// Consume the only available slot.
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Fatal("expected context error waiting for a slot an hour away")
	}
}
