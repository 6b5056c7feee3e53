package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestMemory(clock clockwork.Clock, capacity int) *Memory {
	return NewMemory(MemoryConfig{
		Capacity:   capacity,
		TTL:        10 * time.Second,
		StaleRatio: 0.8,
		Clock:      clock,
	})
}

func waitForRefreshes(t *testing.T, m *Memory, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().InflightRefreshes == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d in-flight refreshes, have %d", want, m.Stats().InflightRefreshes)
}

func TestGetMissSchedulesNothing(t *testing.T) {
	m := newTestMemory(clockwork.NewFakeClock(), 4)

	refreshed := atomic.Int32{}
	if _, ok := m.Get("price:eth:usdt", func(context.Context) (any, error) {
		refreshed.Add(1)
		return nil, nil
	}); ok {
		t.Fatal("expected miss on empty cache")
	}
	time.Sleep(20 * time.Millisecond)
	if refreshed.Load() != 0 {
		t.Fatal("miss must not schedule a refresh")
	}
}

func TestFreshHitDoesNotRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "v1")

	clock.Advance(3 * time.Second) // inside freshness window

	refreshed := atomic.Int32{}
	got, ok := m.Get("k", func(context.Context) (any, error) {
		refreshed.Add(1)
		return "v2", nil
	})
	if !ok || got != "v1" {
		t.Fatalf("Get = %v, %v; want v1, true", got, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if refreshed.Load() != 0 {
		t.Fatal("fresh hit must not refresh")
	}
}

func TestExpiredEntryReadsAsAbsent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "v1")

	clock.Advance(11 * time.Second) // past TTL

	if _, ok := m.Get("k", nil); ok {
		t.Fatal("expired entry must read as absent")
	}

	// Peek still reaches it for serve-stale-on-error.
	if got, ok := m.Peek("k"); !ok || got != "v1" {
		t.Fatalf("Peek = %v, %v; want v1, true", got, ok)
	}
}

// Fifty concurrent stale reads must serve the stale value immediately and
// trigger exactly one background refresh.
func TestStaleHitRefreshesOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "stale")

	clock.Advance(9 * time.Second) // stale but not expired

	var refreshes atomic.Int32
	release := make(chan struct{})
	refresh := func(context.Context) (any, error) {
		refreshes.Add(1)
		<-release
		return "fresh", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok := m.Get("k", refresh)
			if !ok || got != "stale" {
				t.Errorf("Get = %v, %v; want stale, true", got, ok)
			}
		}()
	}
	wg.Wait()
	close(release)
	waitForRefreshes(t, m, 0)

	if got := refreshes.Load(); got != 1 {
		t.Fatalf("refreshes = %d, want exactly 1", got)
	}
	if got, ok := m.Get("k", nil); !ok || got != "fresh" {
		t.Fatalf("after refresh Get = %v, %v; want fresh, true", got, ok)
	}
}

func TestFailedRefreshKeepsStaleValueAndRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "stale")
	clock.Advance(9 * time.Second)

	var refreshes atomic.Int32
	failing := func(context.Context) (any, error) {
		refreshes.Add(1)
		return nil, errors.New("upstream down")
	}

	if got, ok := m.Get("k", failing); !ok || got != "stale" {
		t.Fatalf("Get = %v, %v; want stale, true", got, ok)
	}
	waitForRefreshes(t, m, 0)

	// The in-flight flag is cleared after failure, so a later stale read
	// schedules another attempt.
	if _, ok := m.Get("k", failing); !ok {
		t.Fatal("stale value must survive a failed refresh")
	}
	waitForRefreshes(t, m, 0)

	if got := refreshes.Load(); got != 2 {
		t.Fatalf("refreshes = %d, want 2", got)
	}
}

func TestSetResetsCreationTimestamp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "v1")
	clock.Advance(9 * time.Second)
	m.Set("k", "v2")

	var refreshes atomic.Int32
	got, ok := m.Get("k", func(context.Context) (any, error) {
		refreshes.Add(1)
		return nil, nil
	})
	if !ok || got != "v2" {
		t.Fatalf("Get = %v, %v; want v2, true", got, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if refreshes.Load() != 0 {
		t.Fatal("replaced entry is fresh again, no refresh expected")
	}
}

func TestEvictsOldestWhenFull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 2)

	m.Set("a", 1)
	m.Set("b", 2)
	m.Get("a", nil) // touch a so b is least recently used
	m.Set("c", 3)

	if _, ok := m.Get("b", nil); ok {
		t.Fatal("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := m.Get(key, nil); !ok {
			t.Fatalf("%s should still be cached", key)
		}
	}
	if got := m.Stats().Evictions; got != 1 {
		t.Errorf("evictions = %d, want 1", got)
	}
}

func TestClearCancelsInflightRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "stale")
	clock.Advance(9 * time.Second)

	started := make(chan struct{})
	canceled := make(chan struct{})
	m.Get("k", func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-ctx.Done():
			close(canceled)
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return "late", nil
		}
	})

	<-started
	m.Clear()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("Clear did not cancel the in-flight refresh")
	}
	if stats := m.Stats(); stats.Size != 0 || stats.InflightRefreshes != 0 {
		t.Errorf("stats after clear = %+v, want empty", stats)
	}
}

// A refresh cancelled by Delete that finishes after a newer refresh was
// scheduled for the same key must leave the successor alone: its handle
// stays registered and its result still lands.
func TestCancelledRefreshDoesNotClearSuccessor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestMemory(clock, 4)
	m.Set("k", "v1")
	clock.Advance(9 * time.Second)

	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	m.Get("k", func(ctx context.Context) (any, error) {
		close(aStarted)
		<-aRelease
		return nil, ctx.Err()
	})
	<-aStarted

	m.Delete("k") // cancels A

	m.Set("k", "v2")
	clock.Advance(9 * time.Second)

	bRelease := make(chan struct{})
	bCanceled := atomic.Bool{}
	if got, ok := m.Get("k", func(ctx context.Context) (any, error) {
		<-bRelease
		if err := ctx.Err(); err != nil {
			bCanceled.Store(true)
			return nil, err
		}
		return "v3", nil
	}); !ok || got != "v2" {
		t.Fatalf("stale Get = %v, %v; want v2, true", got, ok)
	}

	// Let A run to completion while B is still in flight.
	close(aRelease)
	time.Sleep(50 * time.Millisecond)
	if got := m.Stats().InflightRefreshes; got != 1 {
		t.Fatalf("in-flight refreshes = %d, want 1 (successor must stay registered)", got)
	}

	close(bRelease)
	waitForRefreshes(t, m, 0)

	if bCanceled.Load() {
		t.Fatal("late predecessor cancelled the successor's context")
	}
	if got, ok := m.Get("k", nil); !ok || got != "v3" {
		t.Fatalf("after refresh Get = %v, %v; want v3, true", got, ok)
	}
}
