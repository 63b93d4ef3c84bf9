package recon

import (
	"sync"
	"time"
)

// debouncer coalesces bursts of triggers into one call after a quiet
// period. A burst of fills from one order produces a single refresh.
type debouncer struct {
	mu    sync.Mutex
	d     time.Duration
	timer *time.Timer
	fn    func()
	done  bool
}

func newDebouncer(d time.Duration, fn func()) *debouncer {
	return &debouncer{d: d, fn: fn}
}

// Trigger arms or re-arms the timer.
func (db *debouncer) Trigger() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.done {
		return
	}
	if db.timer != nil {
		db.timer.Stop()
	}
	db.timer = time.AfterFunc(db.d, db.fn)
}

// Stop cancels any pending call and disables the debouncer.
func (db *debouncer) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.done = true
	if db.timer != nil {
		db.timer.Stop()
	}
}
