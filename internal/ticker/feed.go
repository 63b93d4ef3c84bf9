package ticker

import (
	"sync"

	"ledgerflow/internal/model"
)

// Feed describes one exchange's public mark-price stream: where to
// connect, how to (un)subscribe and how to parse inbound frames.
// Exchange packages register their feed from init.
type Feed interface {
	URL(sandbox bool) string

	// SubscribeFrames returns the JSON frames that subscribe the given
	// symbols; UnsubscribeFrames the reverse.
	SubscribeFrames(symbols []string) []interface{}
	UnsubscribeFrames(symbols []string) []interface{}

	// Parse extracts a ticker from a raw frame. ok is false for
	// heartbeats, acks and anything else that is not a price update.
	Parse(msg []byte) (t model.Ticker, ok bool)

	// Ping returns the keepalive frame and its interval flag. ok false
	// means the transport-level websocket ping suffices.
	Ping() (frame interface{}, ok bool)
}

var (
	feedsMu sync.RWMutex
	feeds   = make(map[string]Feed)
)

// RegisterFeed installs a feed under the exchange name.
func RegisterFeed(name string, f Feed) {
	feedsMu.Lock()
	defer feedsMu.Unlock()
	feeds[name] = f
}

func feedFor(name string) (Feed, bool) {
	feedsMu.RLock()
	defer feedsMu.RUnlock()
	f, ok := feeds[name]
	return f, ok
}
