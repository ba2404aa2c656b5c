/*
Package timer provides a resettable single-shot delay used by the RPC client
for its two waiting policies: a hard timeout (never reset; firing means the
call failed) and an idle window (reset on every received response; firing means
no more responses are coming).
*/
package timer

import (
	"sync"
	"time"
)

// T arms a delay and invokes a caller-supplied callback exactly once on
// expiry, unless stopped first. All methods are safe for concurrent use.
type T struct {
	mu    sync.Mutex
	d     time.Duration
	f     func()
	t     *time.Timer
	gen   uint64
	fired bool
}

func New(d time.Duration, f func()) *T {
	return &T{d: d, f: f}
}

// Start arms the delay. Starting an already-armed timer is a no-op.
func (t *T) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.t != nil || t.fired {
		return
	}
	gen := t.gen
	t.t = time.AfterFunc(t.d, func() { t.fire(gen) })
}

// Stop disarms the delay. The callback is guaranteed not to run after Stop
// returns unless it was already running.
func (t *T) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disarm()
}

// Reset is Stop followed by Start.
func (t *T) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.disarm()
	if t.fired {
		return
	}
	gen := t.gen
	t.t = time.AfterFunc(t.d, func() { t.fire(gen) })
}

func (t *T) disarm() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	// Invalidate a callback that may already be scheduled.
	t.gen++
}

func (t *T) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.t = nil
	t.mu.Unlock()

	t.f()
}
