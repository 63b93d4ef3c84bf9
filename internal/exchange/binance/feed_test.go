package binance

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeedParseMarkPrice(t *testing.T) {
	msg := []byte(`{"e":"markPriceUpdate","E":1719000000123,"s":"BTCUSDT","p":"61000.50"}`)
	tk, ok := feed{}.Parse(msg)
	if !ok {
		t.Fatalf("frame should parse")
	}
	if tk.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q", tk.Symbol)
	}
	if !tk.Price.Equal(decimal.RequireFromString("61000.50")) {
		t.Fatalf("price = %s", tk.Price)
	}
	if tk.Time.UnixMilli() != 1719000000123 {
		t.Fatalf("time = %s", tk.Time)
	}
}

func TestFeedParseRejectsOtherEvents(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"e":"aggTrade","s":"BTCUSDT","p":"1"}`),
		[]byte(`{"result":null,"id":1}`),
		[]byte(`not json`),
	}
	for _, msg := range cases {
		if _, ok := (feed{}).Parse(msg); ok {
			t.Fatalf("frame %s should not parse", msg)
		}
	}
}

func TestFeedSubscribeFrames(t *testing.T) {
	frames := feed{}.SubscribeFrames([]string{"BTCUSDT", "ETHUSDT"})
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	m := frames[0].(map[string]interface{})
	if m["method"] != "SUBSCRIBE" {
		t.Fatalf("method = %v", m["method"])
	}
	params := m["params"].([]string)
	if len(params) != 2 || params[0] != "btcusdt@markPrice@1s" {
		t.Fatalf("params = %v", params)
	}
}

func TestFeedURL(t *testing.T) {
	if (feed{}).URL(false) == (feed{}).URL(true) {
		t.Fatalf("sandbox and prod must differ")
	}
}
