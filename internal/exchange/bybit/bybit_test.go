package bybit

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
)

func testWorker() *Worker {
	return &Worker{client: &model.Client{ID: 7, Currency: "USDT"}}
}

func TestParseExecutionTrade(t *testing.T) {
	w := testWorker()
	e := w.parseExecution("BTCUSDT", "Sell", "Trade", "0.5", "61000", "0.15", "1719000000123")
	if e == nil {
		t.Fatalf("trade row should parse")
	}
	if e.ClientID != 7 || e.Symbol != "BTCUSDT" || e.Side != model.Sell || e.Type != model.ExecTrade {
		t.Fatalf("execution = %+v", e)
	}
	if !e.Qty.Equal(decimal.RequireFromString("0.5")) || !e.Commission.Equal(decimal.RequireFromString("0.15")) {
		t.Fatalf("qty = %s fee = %s", e.Qty, e.Commission)
	}
	if e.Time.UnixMilli() != 1719000000123 {
		t.Fatalf("time = %s", e.Time)
	}
}

func TestParseExecutionFunding(t *testing.T) {
	w := testWorker()
	e := w.parseExecution("BTCUSDT", "Buy", "Funding", "0", "0", "0.25", "1719000000123")
	if e == nil || e.Type != model.ExecFunding {
		t.Fatalf("funding row should parse, got %+v", e)
	}
	// A paid funding fee is negative pnl.
	if !e.RealizedPnl.Valid || !e.RealizedPnl.Decimal.Equal(decimal.RequireFromString("-0.25")) {
		t.Fatalf("pnl = %+v", e.RealizedPnl)
	}
}

func TestParseExecutionLiquidation(t *testing.T) {
	w := testWorker()
	e := w.parseExecution("BTCUSDT", "Sell", "BustTrade", "1", "58000", "0", "1719000000123")
	if e == nil || e.Type != model.ExecLiquidation {
		t.Fatalf("bust trade should map to liquidation, got %+v", e)
	}
}

func TestParseExecutionRejectsGarbage(t *testing.T) {
	w := testWorker()
	if e := w.parseExecution("BTCUSDT", "Buy", "Trade", "1", "100", "0", "not-a-time"); e != nil {
		t.Fatalf("bad timestamp should be dropped")
	}
	if e := w.parseExecution("BTCUSDT", "Buy", "Trade", "0", "100", "0", "1719000000123"); e != nil {
		t.Fatalf("zero qty trade should be dropped")
	}
	if e := w.parseExecution("BTCUSDT", "Buy", "Settlement", "1", "100", "0", "1719000000123"); e != nil {
		t.Fatalf("unknown exec type should be dropped")
	}
}

func TestClassifyRetCode(t *testing.T) {
	for _, code := range []int{10003, 10004, 33004} {
		if err := classifyRetCode(code, "bad key"); !errors.Is(err, exchange.ErrInvalidClient) {
			t.Fatalf("code %d: got %v", code, err)
		}
	}

	var rl *exchange.RateLimitError
	if err := classifyRetCode(10006, "too fast"); !errors.As(err, &rl) {
		t.Fatalf("10006: got %v", err)
	}
	if rl.RetryAt.IsZero() {
		t.Fatalf("rate limit error should carry a retry time")
	}

	if err := classifyRetCode(10016, "system maintenance"); !errors.Is(err, exchange.ErrExchangeMaintenance) {
		t.Fatalf("10016: got %v", err)
	}

	if err := classifyRetCode(10001, "params"); err == nil || errors.Is(err, exchange.ErrInvalidClient) {
		t.Fatalf("10001: got %v", err)
	}
}

func TestKlineInterval(t *testing.T) {
	cases := []struct {
		res  time.Duration
		want string
	}{
		{time.Minute, "1"},
		{time.Hour, "60"},
		{12 * time.Hour, "720"},
		{24 * time.Hour, "D"},
	}
	for _, tc := range cases {
		got, ok := klineInterval(tc.res)
		if !ok || got != tc.want {
			t.Fatalf("%s: got %q %v", tc.res, got, ok)
		}
	}
	if _, ok := klineInterval(7 * time.Minute); ok {
		t.Fatalf("unsupported resolution should not map")
	}
}
