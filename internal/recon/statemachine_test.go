package recon

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/model"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func exec(side model.Side, qty, price string, at time.Time) *model.Execution {
	return &model.Execution{
		ClientID: 1,
		Symbol:   "BTCUSDT",
		Side:     side,
		Type:     model.ExecTrade,
		Qty:      d(qty),
		Price:    d(price),
		Time:     at,
	}
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenIncreaseClose(t *testing.T) {
	res, err := applyExecution(nil, exec(model.Buy, "1", "20000", t0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Outcome != OutcomeOpened {
		t.Fatalf("outcome = %v, want opened", res.Outcome)
	}
	tr := res.Trade

	res, err = applyExecution(tr, exec(model.Buy, "1", "21000", t0.Add(time.Minute)))
	if err != nil {
		t.Fatalf("increase: %v", err)
	}
	if !tr.EntryPrice.Equal(d("20500")) {
		t.Fatalf("entry = %s, want 20500", tr.EntryPrice)
	}
	if !tr.Qty.Equal(d("2")) || !tr.OpenQty.Equal(d("2")) {
		t.Fatalf("qty = %s open = %s, want 2/2", tr.Qty, tr.OpenQty)
	}

	res, err = applyExecution(tr, exec(model.Sell, "2", "22000", t0.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Outcome != OutcomeClosed {
		t.Fatalf("outcome = %v, want closed", res.Outcome)
	}
	if !tr.RealizedPnl.Equal(d("3000")) {
		t.Fatalf("realized = %s, want 3000", tr.RealizedPnl)
	}
	if !tr.OpenQty.IsZero() || !tr.Finished() {
		t.Fatalf("trade should be fully closed")
	}
	if res.ClosedSample == nil || !res.ClosedSample.Unrealized.IsZero() {
		t.Fatalf("expected zero-unrealized closing sample")
	}
}

func TestPartialClosesWeightExit(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Buy, "2", "100", t0))
	tr := res.Trade

	if _, err := applyExecution(tr, exec(model.Sell, "1", "110", t0.Add(time.Minute))); err != nil {
		t.Fatalf("first reduce: %v", err)
	}
	if !tr.ExitPrice.Decimal.Equal(d("110")) {
		t.Fatalf("exit = %s, want 110", tr.ExitPrice.Decimal)
	}
	if !tr.RealizedPnl.Equal(d("10")) {
		t.Fatalf("realized = %s, want 10", tr.RealizedPnl)
	}

	if _, err := applyExecution(tr, exec(model.Sell, "1", "90", t0.Add(2*time.Minute))); err != nil {
		t.Fatalf("second reduce: %v", err)
	}
	if !tr.ExitPrice.Decimal.Equal(d("100")) {
		t.Fatalf("exit = %s, want 100", tr.ExitPrice.Decimal)
	}
	if !tr.RealizedPnl.Equal(d("0")) {
		t.Fatalf("realized = %s, want 0", tr.RealizedPnl)
	}
}

func TestShortSideRealized(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Sell, "1", "30000", t0))
	tr := res.Trade

	if _, err := applyExecution(tr, exec(model.Buy, "1", "29000", t0.Add(time.Minute))); err != nil {
		t.Fatalf("cover: %v", err)
	}
	if !tr.RealizedPnl.Equal(d("1000")) {
		t.Fatalf("realized = %s, want 1000", tr.RealizedPnl)
	}
}

func TestFlipSplitsExecution(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Buy, "1", "100", t0))
	tr := res.Trade

	e := exec(model.Sell, "3", "120", t0.Add(time.Minute))
	e.Commission = d("0.3")
	res, err := applyExecution(tr, e)
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if res.Outcome != OutcomeFlipped {
		t.Fatalf("outcome = %v, want flipped", res.Outcome)
	}
	if !res.Closing.Qty.Equal(d("1")) || !res.Opening.Qty.Equal(d("2")) {
		t.Fatalf("split = %s/%s, want 1/2", res.Closing.Qty, res.Opening.Qty)
	}
	if !res.Closing.Commission.Equal(d("0.1")) || !res.Opening.Commission.Equal(d("0.2")) {
		t.Fatalf("commission split = %s/%s, want 0.1/0.2", res.Closing.Commission, res.Opening.Commission)
	}
	if !tr.RealizedPnl.Equal(d("20")) || !tr.OpenQty.IsZero() {
		t.Fatalf("old trade realized = %s open = %s", tr.RealizedPnl, tr.OpenQty)
	}
	nt := res.NewTrade
	if nt.Side != model.Sell || !nt.Qty.Equal(d("2")) || !nt.EntryPrice.Equal(d("120")) {
		t.Fatalf("new trade = %+v", nt)
	}
}

func TestTransferOpensWithoutPnl(t *testing.T) {
	dep := exec(model.Buy, "1", "20000", t0)
	dep.Type = model.ExecTransfer
	res, _ := applyExecution(nil, dep)
	tr := res.Trade
	if !tr.TransferredQty.Equal(d("1")) {
		t.Fatalf("transferred = %s, want 1", tr.TransferredQty)
	}

	if _, err := applyExecution(tr, exec(model.Sell, "1", "22000", t0.Add(time.Hour))); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if !tr.RealizedPnl.Equal(d("2000")) {
		t.Fatalf("realized = %s, want 2000", tr.RealizedPnl)
	}
	if !tr.OpenQty.IsZero() {
		t.Fatalf("open = %s, want 0", tr.OpenQty)
	}
}

func TestFundingAdjustsRealizedOnly(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Buy, "1", "100", t0))
	tr := res.Trade

	f := &model.Execution{
		ClientID:    1,
		Symbol:      "BTCUSDT",
		Side:        model.Buy,
		Type:        model.ExecFunding,
		RealizedPnl: decimal.NewNullDecimal(d("-0.5")),
		Time:        t0.Add(time.Minute),
	}
	if _, err := applyExecution(tr, f); err != nil {
		t.Fatalf("funding: %v", err)
	}
	if !tr.RealizedPnl.Equal(d("-0.5")) {
		t.Fatalf("realized = %s, want -0.5", tr.RealizedPnl)
	}
	if !tr.Qty.Equal(d("1")) || !tr.OpenQty.Equal(d("1")) {
		t.Fatalf("funding must not touch quantity")
	}

	// Without an open trade funding is a no-op for positions.
	res2, err := applyExecution(nil, f)
	if err != nil {
		t.Fatalf("orphan funding: %v", err)
	}
	if res2 != nil {
		t.Fatalf("orphan funding should not open a trade")
	}
}

func TestExchangePnlWins(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Buy, "1", "100", t0))
	tr := res.Trade

	e := exec(model.Sell, "1", "110", t0.Add(time.Minute))
	e.RealizedPnl = decimal.NewNullDecimal(d("9.7"))
	if _, err := applyExecution(tr, e); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !tr.RealizedPnl.Equal(d("9.7")) {
		t.Fatalf("realized = %s, want exchange-reported 9.7", tr.RealizedPnl)
	}
}

func TestDerivedPnlLandsOnExecution(t *testing.T) {
	res, _ := applyExecution(nil, exec(model.Buy, "2", "100", t0))
	tr := res.Trade

	e := exec(model.Sell, "1", "105", t0.Add(time.Minute))
	if _, err := applyExecution(tr, e); err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if !e.RealizedPnl.Valid || !e.RealizedPnl.Decimal.Equal(d("5")) {
		t.Fatalf("execution pnl = %+v, want derived 5", e.RealizedPnl)
	}
}

func TestTruncateTime(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 999_000_000, time.UTC)
	if got := truncateTime(ts); got.Nanosecond() != 0 || got.Second() != 0 {
		t.Fatalf("truncate = %s", got)
	}
}
