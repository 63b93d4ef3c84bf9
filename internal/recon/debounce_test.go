package recon

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalesces(t *testing.T) {
	var calls int64
	db := newDebouncer(50*time.Millisecond, func() {
		atomic.AddInt64(&calls, 1)
	})
	defer db.Stop()

	for i := 0; i < 10; i++ {
		db.Trigger()
		time.Sleep(5 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestDebouncerStopCancelsPending(t *testing.T) {
	var calls int64
	db := newDebouncer(50*time.Millisecond, func() {
		atomic.AddInt64(&calls, 1)
	})

	db.Trigger()
	db.Stop()
	db.Trigger()

	time.Sleep(150 * time.Millisecond)
	if got := atomic.LoadInt64(&calls); got != 0 {
		t.Fatalf("calls = %d, want 0 after stop", got)
	}
}
