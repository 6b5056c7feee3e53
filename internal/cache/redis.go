package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable marks L2 failures. It is always soft: callers skip the
// tier (and its lock) and go straight to the upstream fetch.
var ErrUnavailable = errors.New("shared cache unavailable")

const lockPollInterval = 50 * time.Millisecond

// Entry is a value read from the shared tier, with its age derived from
// the remaining TTL.
type Entry struct {
	Value []byte
	Age   time.Duration
	TTL   time.Duration
}

type RedisConfig struct {
	TTL    time.Duration
	Logger *zap.Logger
}

// Redis is the L2 tier: a thin proxy over a shared Redis plus a
// lease-based lock built on SET NX EX. Locks are released only by the
// holder (matched by token); the lease expiry is the safety net when a
// holder crashes.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig

	mu     sync.Mutex
	tokens map[string]string

	hits   uint64
	misses uint64
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Redis{
		client: client,
		cfg:    cfg,
		tokens: make(map[string]string),
	}
}

// Get fetches key and derives the entry age from the remaining TTL, the
// way the writer's SETEX recorded it.
func (r *Redis) Get(ctx context.Context, key string) (Entry, bool, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	value, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		r.count(&r.misses)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	entry := Entry{Value: value}
	if remaining := ttlCmd.Val(); remaining > 0 {
		entry.TTL = remaining
		if remaining < r.cfg.TTL {
			entry.Age = r.cfg.TTL - remaining
		}
	}
	r.count(&r.hits)
	return entry, true, nil
}

// Set stores value under key with the given TTL (SETEX semantics).
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.cfg.TTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Delete removes key. Best effort.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// AcquireLock attempts an atomic set-if-absent with the lease as expiry,
// polling until acquired or waitTimeout elapses. It reports whether the
// lock was acquired; an error means the store itself was unreachable.
func (r *Redis) AcquireLock(ctx context.Context, lockKey string, lease, waitTimeout time.Duration) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitTimeout)

	for {
		acquired, err := r.client.SetNX(ctx, lockKey, token, lease).Result()
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if acquired {
			r.mu.Lock()
			r.tokens[lockKey] = token
			r.mu.Unlock()
			return true, nil
		}
		if !time.Now().Add(lockPollInterval).Before(deadline) {
			return false, nil
		}

		select {
		case <-time.After(lockPollInterval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// ReleaseLock deletes the lock if this instance still holds it. Best
// effort; an expired lease means another holder may own the key by now,
// in which case the key is left alone.
func (r *Redis) ReleaseLock(ctx context.Context, lockKey string) error {
	r.mu.Lock()
	token, held := r.tokens[lockKey]
	delete(r.tokens, lockKey)
	r.mu.Unlock()
	if !held {
		return nil
	}

	current, err := r.client.Get(ctx, lockKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if current != token {
		return nil
	}
	if err := r.client.Del(ctx, lockKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Ping reports whether the shared store is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

type RedisStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func (r *Redis) Stats() RedisStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RedisStats{Hits: r.hits, Misses: r.misses}
}

func (r *Redis) count(field *uint64) {
	r.mu.Lock()
	*field++
	r.mu.Unlock()
}
