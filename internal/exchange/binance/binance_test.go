package binance

import (
	"errors"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"

	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
)

func TestCollectIncome(t *testing.T) {
	w := &Worker{client: &model.Client{ID: 7, Currency: "USDT"}}
	incomes := []*futures.IncomeHistory{
		{IncomeType: "REALIZED_PNL", Symbol: "BTCUSDT", Income: "12.5", Time: 1719000000000},
		{IncomeType: "COMMISSION", Symbol: "ETHUSDT", Income: "-0.05", Time: 1719000000000},
		{IncomeType: "FUNDING_FEE", Symbol: "BTCUSDT", Income: "-0.5", Time: 1719000001000},
		{IncomeType: "TRANSFER", Asset: "USDT", Income: "100", Time: 1719000002000},
		{IncomeType: "WELCOME_BONUS", Asset: "USDT", Income: "1", Time: 1719000003000},
	}

	batch := &exchange.ExecutionBatch{BySymbol: make(map[string][]*model.Execution)}
	symbols := w.collectIncome(batch, incomes)

	if !symbols["BTCUSDT"] || !symbols["ETHUSDT"] || len(symbols) != 2 {
		t.Fatalf("symbols = %v, want BTCUSDT and ETHUSDT", symbols)
	}
	if len(batch.All) != 1 || batch.All[0].Type != model.ExecFunding {
		t.Fatalf("expected one funding execution, got %+v", batch.All)
	}
	f := batch.All[0]
	if f.ClientID != 7 || !f.RealizedPnl.Valid || !f.RealizedPnl.Decimal.Equal(dec("-0.5")) {
		t.Fatalf("funding execution = %+v", f)
	}
	if len(batch.Transfers) != 1 || batch.Transfers[0].Coin != "USDT" || !batch.Transfers[0].Amount.Equal(dec("100")) {
		t.Fatalf("transfers = %+v", batch.Transfers)
	}
}

func TestWrapErrInvalidCredentials(t *testing.T) {
	for _, code := range []int64{-2014, -2015, -1022} {
		err := wrapErr(&common.APIError{Code: code, Message: "bad key"})
		if !errors.Is(err, exchange.ErrInvalidClient) {
			t.Fatalf("code %d: got %v", code, err)
		}
	}
}

func TestWrapErrRateLimit(t *testing.T) {
	var rl *exchange.RateLimitError
	err := wrapErr(&common.APIError{Code: -1003, Message: "too many requests"})
	if !errors.As(err, &rl) {
		t.Fatalf("got %v, want RateLimitError", err)
	}
	if rl.RetryAt.IsZero() {
		t.Fatalf("rate limit error should carry a retry time")
	}
}

func TestWrapErrPassthrough(t *testing.T) {
	if wrapErr(nil) != nil {
		t.Fatalf("nil should stay nil")
	}
	plain := errors.New("timeout")
	if got := wrapErr(plain); got != plain {
		t.Fatalf("got %v, want passthrough", got)
	}
	other := &common.APIError{Code: -1121, Message: "invalid symbol"}
	if got := wrapErr(other); got != error(other) {
		t.Fatalf("unmapped api error should pass through, got %v", got)
	}
}

func TestKlineInterval(t *testing.T) {
	cases := []struct {
		res  time.Duration
		want string
	}{
		{time.Minute, "1m"},
		{time.Hour, "1h"},
		{24 * time.Hour, "1d"},
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

func TestMsTime(t *testing.T) {
	ts := msTime(1719000000123)
	if ts.UnixMilli() != 1719000000123 || ts.Location() != time.UTC {
		t.Fatalf("msTime = %s", ts)
	}
}
