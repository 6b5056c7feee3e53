package breaker

import (
	"sort"
	"sync"
)

// Registry hands out one breaker per dependency name. Creation is
// idempotent: concurrent Get calls for the same name observe the same
// instance. The registry is constructed once at startup and passed to its
// consumers; there is no package-level instance.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg)
		r.breakers[name] = b
	}
	return b
}

// Stats returns snapshots for all registered breakers, sorted by name.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	breakers := make([]*Breaker, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		breakers = append(breakers, r.breakers[name])
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.Stats())
	}
	return stats
}
