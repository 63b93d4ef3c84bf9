package binance

import (
	"encoding/json"
	"strings"
	"sync/atomic"

	"ledgerflow/internal/model"
)

// feed is the public mark-price stream for the ticker service.
type feed struct{}

var frameID int64

func (feed) URL(sandbox bool) string {
	if sandbox {
		return "wss://stream.binancefuture.com/ws"
	}
	return "wss://fstream.binance.com/ws"
}

func markPriceParams(symbols []string) []string {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@markPrice@1s")
	}
	return params
}

func (feed) SubscribeFrames(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": markPriceParams(symbols),
		"id":     atomic.AddInt64(&frameID, 1),
	}}
}

func (feed) UnsubscribeFrames(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"method": "UNSUBSCRIBE",
		"params": markPriceParams(symbols),
		"id":     atomic.AddInt64(&frameID, 1),
	}}
}

type markPriceFrame struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

func (feed) Parse(msg []byte) (model.Ticker, bool) {
	var f markPriceFrame
	if err := json.Unmarshal(msg, &f); err != nil || f.Event != "markPriceUpdate" {
		return model.Ticker{}, false
	}
	return model.Ticker{
		Symbol: f.Symbol,
		Price:  dec(f.Price),
		Time:   msTime(f.Time),
	}, true
}

// Ping defers to websocket protocol pings; the endpoint answers those.
func (feed) Ping() (interface{}, bool) { return nil, false }
