// Package price orchestrates lookups across the cache tiers and the
// upstream gateway: L1, then L2, then a lock-guarded fetch, serving stale
// data rather than an error whenever something cached still exists.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricegate/pricegate/internal/cache"
	"github.com/pricegate/pricegate/internal/gateway"
	"github.com/pricegate/pricegate/internal/pricing"
)

// Fetcher is the gateway seam. Satisfied by *gateway.Gateway.
type Fetcher interface {
	SimplePrice(ctx context.Context, symbol, quote string, priority gateway.Priority) (gateway.Response, error)
	MarketChart(ctx context.Context, symbol, quote string, days int, priority gateway.Priority) (gateway.Response, error)
	Stats() gateway.Stats
}

// SharedTier is the optional L2 seam. Satisfied by *cache.Redis; a nil
// tier degrades the service to L1 + direct fetches.
type SharedTier interface {
	Get(ctx context.Context, key string) (cache.Entry, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	AcquireLock(ctx context.Context, lockKey string, lease, waitTimeout time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	Stats() cache.RedisStats
}

// MetricsSink receives per-lookup observations.
type MetricsSink interface {
	ObserveCacheLookup(tier, outcome string)
	ObserveLock(outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCacheLookup(string, string) {}

func (noopMetrics) ObserveLock(string) {}

type Config struct {
	// SharedTTL is the L2 entry lifetime; FreshFor is how old an L2 entry
	// may be and still count as fresh.
	SharedTTL time.Duration
	FreshFor  time.Duration

	LockLease    time.Duration
	LockWait     time.Duration
	PollAttempts int
	PollInterval time.Duration

	Metrics MetricsSink
	Logger  *zap.Logger
}

type Service struct {
	cfg     Config
	local   *cache.Memory
	shared  SharedTier
	fetcher Fetcher
}

func NewService(local *cache.Memory, shared SharedTier, fetcher Fetcher, cfg Config) (*Service, error) {
	if local == nil {
		return nil, fmt.Errorf("local cache is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = 30 * time.Second
	}
	if cfg.FreshFor <= 0 || cfg.FreshFor > cfg.SharedTTL {
		cfg.FreshFor = cfg.SharedTTL
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = 10 * time.Second
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 5 * time.Second
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Service{
		cfg:     cfg,
		local:   local,
		shared:  shared,
		fetcher: fetcher,
	}, nil
}

// GetPrice resolves a symbol/quote pair: L1, then L2, then a lock-guarded
// upstream fetch that populates both tiers. When the upstream fails, the
// most recent cached value is served instead of the error.
func (s *Service) GetPrice(ctx context.Context, symbol, quote string, priority gateway.Priority) (pricing.PriceRecord, error) {
	key := pricing.PriceKey(symbol, quote)

	if value, ok := s.local.Get(key, s.refreshFunc(key, symbol, quote)); ok {
		s.cfg.Metrics.ObserveCacheLookup("l1", "hit")
		return value.(pricing.PriceRecord), nil
	}
	s.cfg.Metrics.ObserveCacheLookup("l1", "miss")

	if record, ok := s.sharedFresh(ctx, key); ok {
		s.local.Set(key, record)
		return record, nil
	}

	released := false
	locked, degraded := s.tryLock(ctx, symbol, quote)
	if locked {
		defer func() {
			if !released {
				s.unlock(ctx, symbol, quote)
			}
		}()
	} else if !degraded {
		// Another instance is probably fetching; give its result a chance
		// to land in L2 before doing our own call.
		if record, ok := s.pollShared(ctx, key); ok {
			s.local.Set(key, record)
			return record, nil
		}
		s.cfg.Logger.Warn("lock wait exhausted, fetching directly",
			zap.String("symbol", symbol),
			zap.String("quote", quote),
		)
	}

	record, err := s.fetchAndStore(ctx, key, symbol, quote, priority)
	if locked {
		s.unlock(ctx, symbol, quote)
		released = true
	}
	if err == nil {
		return record, nil
	}

	if stale, ok := s.anyCached(ctx, key); ok {
		s.cfg.Logger.Warn("serving stale price after upstream failure",
			zap.String("symbol", symbol),
			zap.String("quote", quote),
			zap.Error(err),
		)
		return stale, nil
	}
	return pricing.PriceRecord{}, err
}

// GetMarketChart resolves a historical series, cached in L1 only; chart
// fetches ride the queue at low priority so they never starve live quotes.
func (s *Service) GetMarketChart(ctx context.Context, symbol, quote string, days int) (pricing.MarketChart, error) {
	key := fmt.Sprintf("chart:%s:%s:%d", symbol, quote, days)

	if value, ok := s.local.Get(key, nil); ok {
		s.cfg.Metrics.ObserveCacheLookup("l1", "hit")
		return value.(pricing.MarketChart), nil
	}
	s.cfg.Metrics.ObserveCacheLookup("l1", "miss")

	resp, err := s.fetcher.MarketChart(ctx, symbol, quote, days, gateway.PriorityLow)
	if err != nil {
		return pricing.MarketChart{}, err
	}
	s.local.Set(key, resp.Chart)
	return resp.Chart, nil
}

// Invalidate drops a pair from both tiers.
func (s *Service) Invalidate(ctx context.Context, symbol, quote string) {
	key := pricing.PriceKey(symbol, quote)
	s.local.Delete(key)
	if s.shared != nil {
		if err := s.shared.Delete(ctx, key); err != nil {
			s.cfg.Logger.Warn("shared tier delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Stats aggregates gateway and cache statistics.
type Stats struct {
	Gateway gateway.Stats     `json:"gateway"`
	L1      cache.MemoryStats `json:"l1_cache"`
	L2      *cache.RedisStats `json:"l2_cache,omitempty"`
}

func (s *Service) Stats() Stats {
	stats := Stats{
		Gateway: s.fetcher.Stats(),
		L1:      s.local.Stats(),
	}
	if s.shared != nil {
		l2 := s.shared.Stats()
		stats.L2 = &l2
	}
	return stats
}

// refreshFunc routes an L1 stale refresh back through the gateway at low
// priority and mirrors the result into L2.
func (s *Service) refreshFunc(key, symbol, quote string) cache.RefreshFunc {
	return func(ctx context.Context) (any, error) {
		resp, err := s.fetcher.SimplePrice(ctx, symbol, quote, gateway.PriorityLow)
		if err != nil {
			return nil, err
		}
		s.storeShared(ctx, key, resp.Price)
		return resp.Price, nil
	}
}

func (s *Service) fetchAndStore(ctx context.Context, key, symbol, quote string, priority gateway.Priority) (pricing.PriceRecord, error) {
	resp, err := s.fetcher.SimplePrice(ctx, symbol, quote, priority)
	if err != nil {
		return pricing.PriceRecord{}, err
	}

	s.local.Set(key, resp.Price)
	s.storeShared(ctx, key, resp.Price)
	return resp.Price, nil
}

func (s *Service) storeShared(ctx context.Context, key string, record pricing.PriceRecord) {
	if s.shared == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		s.cfg.Logger.Error("marshal price record", zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.shared.Set(ctx, key, data, s.cfg.SharedTTL); err != nil {
		s.cfg.Logger.Warn("shared tier write failed", zap.String("key", key), zap.Error(err))
	}
}

// sharedFresh reads key from L2 and accepts it only within the freshness
// window.
func (s *Service) sharedFresh(ctx context.Context, key string) (pricing.PriceRecord, bool) {
	record, age, ok := s.sharedAny(ctx, key)
	if !ok {
		return pricing.PriceRecord{}, false
	}
	if age >= s.cfg.FreshFor {
		s.cfg.Metrics.ObserveCacheLookup("l2", "stale")
		return pricing.PriceRecord{}, false
	}
	s.cfg.Metrics.ObserveCacheLookup("l2", "hit")
	return record, true
}

// sharedAny reads key from L2 regardless of age.
func (s *Service) sharedAny(ctx context.Context, key string) (pricing.PriceRecord, time.Duration, bool) {
	if s.shared == nil {
		return pricing.PriceRecord{}, 0, false
	}

	entry, ok, err := s.shared.Get(ctx, key)
	if err != nil {
		s.cfg.Metrics.ObserveCacheLookup("l2", "error")
		s.cfg.Logger.Warn("shared tier read failed", zap.String("key", key), zap.Error(err))
		return pricing.PriceRecord{}, 0, false
	}
	if !ok {
		s.cfg.Metrics.ObserveCacheLookup("l2", "miss")
		return pricing.PriceRecord{}, 0, false
	}

	var record pricing.PriceRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		s.cfg.Logger.Warn("corrupt shared tier entry", zap.String("key", key), zap.Error(err))
		return pricing.PriceRecord{}, 0, false
	}
	return record, entry.Age, true
}

func (s *Service) pollShared(ctx context.Context, key string) (pricing.PriceRecord, bool) {
	for i := 0; i < s.cfg.PollAttempts; i++ {
		select {
		case <-time.After(s.cfg.PollInterval):
		case <-ctx.Done():
			return pricing.PriceRecord{}, false
		}
		if record, ok := s.sharedFresh(ctx, key); ok {
			return record, true
		}
	}
	return pricing.PriceRecord{}, false
}

// tryLock reports whether the fetch lock was acquired, and whether the
// shared tier should be skipped outright (tier missing or unreachable).
// Contention is not degradation: a healthy tier that refused the lock is
// still worth polling for the other holder's result.
func (s *Service) tryLock(ctx context.Context, symbol, quote string) (acquired, degraded bool) {
	if s.shared == nil {
		return false, true
	}

	acquired, err := s.shared.AcquireLock(ctx, pricing.FetchLockKey(symbol, quote), s.cfg.LockLease, s.cfg.LockWait)
	if err != nil {
		// L2 down: no locking, no polling, straight to the fetch.
		s.cfg.Metrics.ObserveLock("error")
		s.cfg.Logger.Warn("lock acquisition failed, degrading to direct fetch",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return false, true
	}
	if acquired {
		s.cfg.Metrics.ObserveLock("acquired")
	} else {
		s.cfg.Metrics.ObserveLock("contended")
	}
	return acquired, false
}

func (s *Service) unlock(ctx context.Context, symbol, quote string) {
	if err := s.shared.ReleaseLock(ctx, pricing.FetchLockKey(symbol, quote)); err != nil {
		s.cfg.Logger.Warn("lock release failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

// anyCached returns the freshest value either tier still holds, ignoring
// staleness entirely.
func (s *Service) anyCached(ctx context.Context, key string) (pricing.PriceRecord, bool) {
	if value, ok := s.local.Peek(key); ok {
		return value.(pricing.PriceRecord), true
	}
	if record, _, ok := s.sharedAny(ctx, key); ok {
		return record, true
	}
	return pricing.PriceRecord{}, false
}
