// Package clock provides the atomic counters that hand out sequence
// numbers and segment identifiers.
package clock

import "sync/atomic"

// AtomicClock is a lock-free monotonic counter.
type AtomicClock struct {
	atomic.Uint64
}

// NewAtomic returns a clock seeded with init. The first Next call
// returns init+1.
func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

// Set advances the clock to t. Used during recovery when replay
// observes a sequence number newer than the persisted marker.
func (ac *AtomicClock) Set(t uint64) {
	for {
		cur := ac.Load()
		if t <= cur || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
