package bybit

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeedParseTicker(t *testing.T) {
	msg := []byte(`{"topic":"tickers.BTCUSDT","ts":1719000000123,"data":{"symbol":"BTCUSDT","markPrice":"61000.5","lastPrice":"61001"}}`)
	tk, ok := feed{}.Parse(msg)
	if !ok {
		t.Fatalf("frame should parse")
	}
	if tk.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q", tk.Symbol)
	}
	if !tk.Price.Equal(decimal.RequireFromString("61000.5")) {
		t.Fatalf("mark price should win, got %s", tk.Price)
	}
	if tk.Time.UnixMilli() != 1719000000123 {
		t.Fatalf("time = %s", tk.Time)
	}
}

func TestFeedParseFallsBackToLastPrice(t *testing.T) {
	msg := []byte(`{"topic":"tickers.ETHUSDT","ts":1719000000123,"data":{"symbol":"ETHUSDT","lastPrice":"3000"}}`)
	tk, ok := feed{}.Parse(msg)
	if !ok || !tk.Price.Equal(decimal.RequireFromString("3000")) {
		t.Fatalf("parse = %v %s", ok, tk.Price)
	}
}

func TestFeedParseRejectsUnusable(t *testing.T) {
	cases := [][]byte{
		[]byte(`{"op":"pong"}`),
		[]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT"}}`),
		[]byte(`{"topic":"tickers.BTCUSDT","data":{"symbol":"BTCUSDT","markPrice":"nope"}}`),
		[]byte(`not json`),
	}
	for _, msg := range cases {
		if _, ok := (feed{}).Parse(msg); ok {
			t.Fatalf("frame %s should not parse", msg)
		}
	}
}

func TestFeedSubscribeFrames(t *testing.T) {
	frames := feed{}.SubscribeFrames([]string{"BTCUSDT"})
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	m := frames[0].(map[string]interface{})
	if m["op"] != "subscribe" {
		t.Fatalf("op = %v", m["op"])
	}
	args := m["args"].([]string)
	if len(args) != 1 || args[0] != "tickers.BTCUSDT" {
		t.Fatalf("args = %v", args)
	}
}
