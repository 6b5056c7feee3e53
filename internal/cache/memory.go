// Package cache provides the two cache tiers: a bounded in-process LRU
// with stale-while-revalidate (L1) and a Redis-backed shared tier with a
// lease-based distributed lock (L2).
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

const defaultStaleRatio = 0.8

// RefreshFunc produces a fresh value for a stale key. It runs on a
// background goroutine owned by the cache.
type RefreshFunc func(ctx context.Context) (any, error)

type MemoryConfig struct {
	Capacity   int
	TTL        time.Duration
	StaleRatio float64
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

type memoryEntry struct {
	key       string
	value     any
	createdAt time.Time
}

// refreshTask identifies one background refresh. The identity matters: a
// cancelled task that finishes late must not clear or cancel a successor
// registered under the same key.
type refreshTask struct {
	cancel context.CancelFunc
}

// Memory is the L1 tier. Reads of a stale-but-unexpired entry return the
// cached value immediately and schedule at most one background refresh per
// key; expired entries read as absent even before eviction removes them.
type Memory struct {
	cfg        MemoryConfig
	staleAfter time.Duration

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	refreshing map[string]*refreshTask

	hits      uint64
	misses    uint64
	evictions uint64
}

func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.StaleRatio <= 0 || cfg.StaleRatio >= 1 {
		cfg.StaleRatio = defaultStaleRatio
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Memory{
		cfg:        cfg,
		staleAfter: time.Duration(float64(cfg.TTL) * cfg.StaleRatio),
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		refreshing: make(map[string]*refreshTask),
	}
}

// Get returns the cached value for key if present and unexpired. A stale
// hit additionally schedules one background refresh via refresh, unless a
// refresh for the key is already in flight. A miss schedules nothing; the
// fill is the caller's job.
func (m *Memory) Get(key string, refresh RefreshFunc) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}

	entry := elem.Value.(*memoryEntry)
	age := m.cfg.Clock.Since(entry.createdAt)
	if age > m.cfg.TTL {
		// Expired entries read as absent but linger until replaced or
		// evicted; Peek can still reach them as a last resort.
		m.misses++
		return nil, false
	}

	m.order.MoveToFront(elem)
	m.hits++

	if age > m.staleAfter && refresh != nil {
		if _, inFlight := m.refreshing[key]; !inFlight {
			ctx, cancel := context.WithCancel(context.Background())
			task := &refreshTask{cancel: cancel}
			m.refreshing[key] = task
			go m.backgroundRefresh(ctx, key, refresh, task)
		}
	}

	return entry.value, true
}

// Peek returns whatever value is stored for key, even past its TTL, and
// schedules nothing. It backs the serve-stale-on-error path, where an
// outdated price beats no price at all.
func (m *Memory) Peek(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*memoryEntry).value, true
}

// Set inserts or replaces the value for key and resets its creation
// timestamp. The oldest entry is evicted when capacity is exceeded.
func (m *Memory) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.createdAt = m.cfg.Clock.Now()
		m.order.MoveToFront(elem)
		return
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{
		key:       key,
		value:     value,
		createdAt: m.cfg.Clock.Now(),
	})

	for len(m.entries) > m.cfg.Capacity {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.removeLocked(oldest)
		m.evictions++
	}
}

// Delete removes key and cancels any in-flight refresh for it.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}
	m.cancelRefreshLocked(key)
}

// Clear drops every entry and cancels all in-flight refreshes, so no
// refresh task outlives the data it was refreshing.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.order.Init()
	for key, task := range m.refreshing {
		task.cancel()
		delete(m.refreshing, key)
	}
}

type MemoryStats struct {
	Size              int    `json:"size"`
	Capacity          int    `json:"capacity"`
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Evictions         uint64 `json:"evictions"`
	InflightRefreshes int    `json:"inflight_refreshes"`
}

func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MemoryStats{
		Size:              len(m.entries),
		Capacity:          m.cfg.Capacity,
		Hits:              m.hits,
		Misses:            m.misses,
		Evictions:         m.evictions,
		InflightRefreshes: len(m.refreshing),
	}
}

func (m *Memory) backgroundRefresh(ctx context.Context, key string, refresh RefreshFunc, task *refreshTask) {
	// The in-flight marker is cleared on every path so a later stale read
	// can try again, but only if it is still this task's marker: Delete or
	// Clear may already have handed the key to a newer refresh.
	defer func() {
		task.cancel()
		m.mu.Lock()
		if m.refreshing[key] == task {
			delete(m.refreshing, key)
		}
		m.mu.Unlock()
	}()

	value, err := refresh(ctx)
	if err != nil {
		m.cfg.Logger.Warn("background refresh failed",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	if ctx.Err() != nil {
		return
	}
	m.Set(key, value)
}

func (m *Memory) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	m.order.Remove(elem)
	delete(m.entries, entry.key)
}

func (m *Memory) cancelRefreshLocked(key string) {
	if task, ok := m.refreshing[key]; ok {
		task.cancel()
		delete(m.refreshing, key)
	}
}
