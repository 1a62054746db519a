// Package metrics provides the engine's counter surface. The engine only
// depends on Collector; callers embedding SpruceDB can plug their own
// implementation.
package metrics

import (
	"sync"
	"sync/atomic"
)

// Counter names recorded by the engine.
const (
	Puts              = "puts"
	Deletes           = "deletes"
	Gets              = "gets"
	GetMisses         = "get_misses"
	Flushes           = "flushes"
	FlushRetries      = "flush_retries"
	Compactions       = "compactions"
	CompactionRetries = "compaction_retries"
	BloomNegatives    = "bloom_negatives"
	WALRotations      = "wal_rotations"
)

// Collector captures engine counters.
type Collector interface {
	Inc(name string, delta uint64)
	Get(name string) uint64
}

// Registry is the default Collector: a map of atomic counters.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*atomic.Uint64)}
}

func (r *Registry) Inc(name string, delta uint64) {
	r.counter(name).Add(delta)
}

func (r *Registry) Get(name string) uint64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.Load()
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]uint64, len(r.counters))
	for name, c := range r.counters {
		out[name] = c.Load()
	}
	return out
}

func (r *Registry) counter(name string) *atomic.Uint64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = new(atomic.Uint64)
	r.counters[name] = c
	return c
}

// Nop discards all observations.
var Nop Collector = nop{}

type nop struct{}

func (nop) Inc(string, uint64) {}
func (nop) Get(string) uint64  { return 0 }
