package util

import (
	"context"
	"sync"
	"time"
)

// DefaultSaveDelay is how long edits coalesce before being persisted.
const DefaultSaveDelay = time.Second

type pendingCall struct {
	timer *time.Timer
	fn    func(ctx context.Context)
}

// Debouncer coalesces rapid calls per key into one, running only the
// last function passed for a key once the delay elapses.
type Debouncer struct {
	delay   time.Duration
	mu      sync.Mutex
	pending map[string]*pendingCall
	closed  bool
}

// NewDebouncer creates a debouncer with the given delay. A zero delay
// falls back to DefaultSaveDelay.
func NewDebouncer(delay time.Duration) *Debouncer {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Debouncer{
		delay:   delay,
		pending: make(map[string]*pendingCall),
	}
}

// Trigger schedules fn for the key, replacing any pending call. The
// function runs on its own goroutine with a background context.
func (d *Debouncer) Trigger(key string, fn func(ctx context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	if call, ok := d.pending[key]; ok {
		call.timer.Stop()
	}
	call := &pendingCall{fn: fn}
	call.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
		fn(context.Background())
	})
	d.pending[key] = call
}

// Flush runs every pending call immediately and stops accepting new
// triggers. Called on shutdown so coalesced saves are not lost.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	calls := make([]*pendingCall, 0, len(d.pending))
	for key, call := range d.pending {
		if call.timer.Stop() {
			calls = append(calls, call)
		}
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, call := range calls {
		call.fn(ctx)
	}
}
