// Package refresh coalesces bursts of "data may have changed" signals into
// a single invocation of the UI refresh handlers registered for them.
package refresh

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Debouncer calls fire(key) once a key has been quiet for the configured
// delay. Each key has at most one pending timer; triggering a pending key
// restarts its quiet period.
type Debouncer[K comparable] struct {
	clock clock.WithDelayedExecution
	delay time.Duration
	fire  func(K)

	mu      sync.Mutex
	pending map[K]*pendingTimer
	seq     uint64
}

type pendingTimer struct {
	timer clock.Timer
	seq   uint64
}

// NewDebouncer creates a debouncer that schedules on clk.
func NewDebouncer[K comparable](clk clock.WithDelayedExecution, delay time.Duration, fire func(K)) *Debouncer[K] {
	return &Debouncer[K]{
		clock:   clk,
		delay:   delay,
		fire:    fire,
		pending: make(map[K]*pendingTimer),
	}
}

// Trigger (re)starts the quiet period for key.
func (d *Debouncer[K]) Trigger(key K) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
	}

	d.seq++
	seq := d.seq
	d.pending[key] = &pendingTimer{
		seq:   seq,
		timer: d.clock.AfterFunc(d.delay, func() { d.expire(key, seq) }),
	}
}

// expire fires key unless its timer was replaced or cancelled after this
// callback was scheduled.
func (d *Debouncer[K]) expire(key K, seq uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.seq != seq {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	d.fire(key)
}

// Pending reports whether key has a timer waiting to fire.
func (d *Debouncer[K]) Pending(key K) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	return ok
}

// Len returns the number of pending timers.
func (d *Debouncer[K]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels every pending timer.
func (d *Debouncer[K]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
