package recon

import (
	"testing"
	"time"

	"ledgerflow/config"
	"ledgerflow/internal/model"
)

func TestOutOfOrderStreamFillRequestsSync(t *testing.T) {
	last := t0.Add(time.Hour)
	c := &model.Client{ID: 1, LastExecutionSync: &last}
	en := NewEngine(c, nil, nil, config.ReconConfig{RefreshDebounce: time.Hour})

	// A stream fill older than the newest applied execution must queue
	// a full sync instead of being applied.
	en.OnExecution(exec(model.Buy, "1", "100", t0), true)

	select {
	case <-en.syncCh:
	default:
		t.Fatalf("stale stream fill should queue a full sync")
	}
}

func TestRealizedRefreshHonoursSpacingFloor(t *testing.T) {
	c := &model.Client{ID: 1}
	en := NewEngine(c, nil, nil, config.ReconConfig{RefreshDebounce: time.Millisecond})
	before := time.Now()
	en.lastRefresh = before

	// Inside the FORCE interval the refresh defers; reaching the
	// exchange here would dereference the nil worker.
	en.refreshRealized()
	en.refresh.Stop()

	if !en.lastRefresh.Equal(before) {
		t.Fatalf("deferred refresh must not advance the fetch time")
	}
}

func TestBumpPnlBoundsFirstSample(t *testing.T) {
	en := &Engine{}
	tr := &model.Trade{}
	sample := &model.PnlData{ID: 42}

	if err := en.bumpPnlBounds(nil, tr, sample); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if tr.MaxPnlID == nil || *tr.MaxPnlID != 42 || tr.MinPnlID == nil || *tr.MinPnlID != 42 {
		t.Fatalf("first sample must become both bounds, got max=%v min=%v", tr.MaxPnlID, tr.MinPnlID)
	}
}

func TestUnrealizedPnlMarksBothSides(t *testing.T) {
	long := &model.Trade{Side: model.Buy, EntryPrice: d("100"), OpenQty: d("2")}
	if got := unrealizedPnl(long, d("110")); !got.Equal(d("20")) {
		t.Fatalf("long = %s, want 20", got)
	}
	short := &model.Trade{Side: model.Sell, EntryPrice: d("100"), OpenQty: d("2")}
	if got := unrealizedPnl(short, d("110")); !got.Equal(d("-20")) {
		t.Fatalf("short = %s, want -20", got)
	}
}

func TestEnvelopeBreak(t *testing.T) {
	maxP := &model.PnlData{Realized: d("10")}
	minP := &model.PnlData{Realized: d("-5")}

	if envelopeBreak(d("3"), maxP, minP) {
		t.Fatalf("inside the envelope must not break")
	}
	if !envelopeBreak(d("11"), maxP, minP) {
		t.Fatalf("above max must break")
	}
	if !envelopeBreak(d("-6"), maxP, minP) {
		t.Fatalf("below min must break")
	}
	if !envelopeBreak(d("0"), nil, nil) {
		t.Fatalf("missing bounds must break")
	}
}
