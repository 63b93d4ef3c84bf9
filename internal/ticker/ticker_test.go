package ticker

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ledgerflow/config"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
)

func TestStreamKey(t *testing.T) {
	require.Equal(t, "binance", streamKey("binance", false))
	require.Equal(t, "binance:sandbox", streamKey("binance", true))
}

func TestFeedRegistry(t *testing.T) {
	_, ok := feedFor("no-such-exchange")
	require.False(t, ok)

	RegisterFeed("fake-feed", fakeFeed{})
	f, ok := feedFor("fake-feed")
	require.True(t, ok)
	require.Equal(t, "wss://example/ws", f.URL(false))
}

func TestFirstTickWaiterDeliversOnce(t *testing.T) {
	w := newFirstTickWaiter()
	tick := model.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)}

	w.Update(tick)
	w.Update(model.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(200)})

	got := <-w.ch
	require.True(t, got.Price.Equal(decimal.NewFromInt(100)))
	select {
	case extra := <-w.ch:
		t.Fatalf("second tick should be dropped, got %v", extra)
	default:
	}
}

func TestServiceLifecycle(t *testing.T) {
	broker := messenger.NewBroker()
	defer broker.Close()
	s := NewService(config.TickerConfig{}, broker)

	require.Error(t, s.Subscribe("binance", false, "BTCUSDT", newFirstTickWaiter()),
		"subscribe before start must fail")

	require.NoError(t, s.Start(context.Background()))
	require.Error(t, s.Start(context.Background()), "double start must fail")

	err := s.Subscribe("unregistered-exchange", false, "BTCUSDT", newFirstTickWaiter())
	require.Error(t, err)

	s.Stop()
	s.Stop() // idempotent
}

type blockingObserver struct{ release chan struct{} }

func (o *blockingObserver) Update(model.Ticker) { <-o.release }

type recordingObserver struct{ ch chan model.Ticker }

func (o *recordingObserver) Update(t model.Ticker) { o.ch <- t }

func TestDispatchIsolatesSlowObservers(t *testing.T) {
	broker := messenger.NewBroker()
	defer broker.Close()
	st := &stream{
		exchange: "fake",
		subs:     make(map[string]map[Observer]struct{}),
		prices:   make(map[string]model.Ticker),
		broker:   broker,
	}

	slow := &blockingObserver{release: make(chan struct{})}
	defer close(slow.release)
	fast := &recordingObserver{ch: make(chan model.Ticker, 1)}
	st.subs["BTCUSDT"] = map[Observer]struct{}{slow: {}, fast: {}}

	st.dispatch(model.Ticker{Symbol: "BTCUSDT", Price: decimal.NewFromInt(100)})

	select {
	case tick := <-fast.ch:
		require.True(t, tick.Price.Equal(decimal.NewFromInt(100)))
	case <-time.After(time.Second):
		t.Fatal("fast observer starved behind a blocked one")
	}
}

type fakeFeed struct{}

func (fakeFeed) URL(bool) string                        { return "wss://example/ws" }
func (fakeFeed) SubscribeFrames([]string) []interface{} { return nil }
func (fakeFeed) UnsubscribeFrames([]string) []interface{} {
	return nil
}
func (fakeFeed) Parse([]byte) (model.Ticker, bool) { return model.Ticker{}, false }
func (fakeFeed) Ping() (interface{}, bool)         { return nil, false }
