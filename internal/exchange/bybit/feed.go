package bybit

import (
	"encoding/json"
	"strconv"
	"time"

	"ledgerflow/internal/model"
)

// feed is the public linear tickers stream for the ticker service.
type feed struct{}

func (feed) URL(sandbox bool) string {
	if sandbox {
		return "wss://stream-testnet.bybit.com/v5/public/linear"
	}
	return "wss://stream.bybit.com/v5/public/linear"
}

func tickerArgs(symbols []string) []string {
	args := make([]string, 0, len(symbols))
	for _, s := range symbols {
		args = append(args, "tickers."+s)
	}
	return args
}

func (feed) SubscribeFrames(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"op":   "subscribe",
		"args": tickerArgs(symbols),
	}}
}

func (feed) UnsubscribeFrames(symbols []string) []interface{} {
	return []interface{}{map[string]interface{}{
		"op":   "unsubscribe",
		"args": tickerArgs(symbols),
	}}
}

type tickerFrame struct {
	Topic string `json:"topic"`
	TS    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (feed) Parse(msg []byte) (model.Ticker, bool) {
	var f tickerFrame
	if err := json.Unmarshal(msg, &f); err != nil || f.Data.Symbol == "" {
		return model.Ticker{}, false
	}
	price := f.Data.MarkPrice
	if price == "" {
		price = f.Data.LastPrice
	}
	// Delta frames may omit the price entirely.
	if price == "" {
		return model.Ticker{}, false
	}
	if _, err := strconv.ParseFloat(price, 64); err != nil {
		return model.Ticker{}, false
	}
	return model.Ticker{
		Symbol: f.Data.Symbol,
		Price:  dec(price),
		Time:   time.UnixMilli(f.TS).UTC(),
	}, true
}

func (feed) Ping() (interface{}, bool) {
	return map[string]string{"op": "ping"}, true
}
