package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// These tests exercise a real Redis. Set REDIS_ADDR (e.g. localhost:6379)
// to run them.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return NewRedis(client, RedisConfig{TTL: 30 * time.Second})
}

func TestRedisGetMiss(t *testing.T) {
	r := newTestRedis(t)

	_, ok, err := r.Get(context.Background(), "price:none:none")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestRedisSetGetDerivesAge(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	if err := r.Set(ctx, "price:eth:usdt", []byte(`{"price":1}`), 30*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}

	entry, ok, err := r.Get(ctx, "price:eth:usdt")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if string(entry.Value) != `{"price":1}` {
		t.Errorf("value = %s", entry.Value)
	}
	if entry.Age > 2*time.Second {
		t.Errorf("age = %s, want near zero for a fresh write", entry.Age)
	}
}

func TestRedisLockMutualExclusion(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	acquired, err := r.AcquireLock(ctx, "fetch:eth:usdt", 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !acquired {
		t.Fatal("first acquire should succeed")
	}

	// A second acquire (same or another instance) must time out while the
	// lease is held.
	other := NewRedis(redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR"), DB: 9}), RedisConfig{})
	acquired, err = other.AcquireLock(ctx, "fetch:eth:usdt", 5*time.Second, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if acquired {
		t.Fatal("contending acquire must fail while lease is held")
	}

	if err := r.ReleaseLock(ctx, "fetch:eth:usdt"); err != nil {
		t.Fatalf("release: %v", err)
	}

	acquired, err = other.AcquireLock(ctx, "fetch:eth:usdt", 5*time.Second, time.Second)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !acquired {
		t.Fatal("lock must be acquirable after release")
	}
}

func TestRedisReleaseIsHolderOnly(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	// Releasing a lock we never acquired is a no-op.
	if err := r.ReleaseLock(ctx, "fetch:btc:usdt"); err != nil {
		t.Fatalf("release of unheld lock: %v", err)
	}

	if _, err := r.AcquireLock(ctx, "fetch:btc:usdt", 5*time.Second, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another instance releasing the same key must not free our lease.
	other := NewRedis(redis.NewClient(&redis.Options{Addr: os.Getenv("REDIS_ADDR"), DB: 9}), RedisConfig{})
	if err := other.ReleaseLock(ctx, "fetch:btc:usdt"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}

	acquired, err := other.AcquireLock(ctx, "fetch:btc:usdt", 5*time.Second, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("contending acquire: %v", err)
	}
	if acquired {
		t.Fatal("foreign release must not free a held lock")
	}
}
