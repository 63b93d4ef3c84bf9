package balance

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/model"
	"ledgerflow/internal/recon"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBasicPoolsFilterAndGroup(t *testing.T) {
	workers := []recon.ActiveWorker{
		{Client: &model.Client{ID: 1, Exchange: "binance", Type: model.ClientBasic}},
		{Client: &model.Client{ID: 2, Exchange: "binance", Type: model.ClientFull}},
		{Client: &model.Client{ID: 3, Exchange: "bybit", Type: model.ClientBasic}},
		{Client: &model.Client{ID: 4, Exchange: "binance", Type: model.ClientBasic}},
	}

	pools := basicPools(workers)
	if len(pools) != 2 {
		t.Fatalf("pools = %d, want 2 exchanges", len(pools))
	}
	if len(pools["binance"]) != 2 || len(pools["bybit"]) != 1 {
		t.Fatalf("binance = %d bybit = %d, streaming clients must be excluded",
			len(pools["binance"]), len(pools["bybit"]))
	}
	for _, w := range pools["binance"] {
		if w.Client.Type != model.ClientBasic {
			t.Fatalf("client %d is not BASIC", w.Client.ID)
		}
	}
}

func TestRotationForClampsAtMinimum(t *testing.T) {
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 15 * time.Second},
		{3, 5 * time.Second},
		{5, 3 * time.Second},
		{100, 3 * time.Second},
	}
	for _, tc := range cases {
		if got := rotationFor(tc.n, 15*time.Second, 3*time.Second); got != tc.want {
			t.Fatalf("n=%d: interval = %s, want %s", tc.n, got, tc.want)
		}
	}
}

func TestLiveBalanceAnchorsRealized(t *testing.T) {
	anchor := &model.Balance{
		Realized:        d("1000"),
		Unrealized:      d("1000"),
		TotalTransfered: d("300"),
	}
	at := time.Now()

	bal := liveBalance(7, at, anchor, d("-25"))
	if bal.ClientID != 7 || !bal.Time.Equal(at) {
		t.Fatalf("snapshot identity = %+v", bal)
	}
	if !bal.Realized.Equal(d("1000")) {
		t.Fatalf("realized = %s, must stay on the anchor", bal.Realized)
	}
	if !bal.Unrealized.Equal(d("975")) {
		t.Fatalf("equity = %s, want 975", bal.Unrealized)
	}
	if !bal.TotalTransfered.Equal(d("300")) {
		t.Fatalf("transferred = %s, want 300", bal.TotalTransfered)
	}
}
