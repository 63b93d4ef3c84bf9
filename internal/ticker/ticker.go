// Package ticker multiplexes exchange mark-price streams. One websocket
// per (exchange, sandbox) serves every interested observer; symbol
// subscriptions are reference counted so the last unsubscribe tears the
// upstream subscription down.
package ticker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"ledgerflow/config"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
	"ledgerflow/logger"
)

// Observer receives every tick of a subscribed symbol.
type Observer interface {
	Update(t model.Ticker)
}

type Service struct {
	cfg    config.TickerConfig
	broker *messenger.Broker
	log    *logger.Entry

	mu      sync.Mutex
	streams map[string]*stream
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

func NewService(cfg config.TickerConfig, broker *messenger.Broker) *Service {
	return &Service{
		cfg:     cfg,
		broker:  broker,
		log:     logger.GetLogger().WithComponent("ticker"),
		streams: make(map[string]*stream),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("ticker service already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("ticker service started")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	streams := make([]*stream, 0, len(s.streams))
	for k, st := range s.streams {
		streams = append(streams, st)
		delete(s.streams, k)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.close()
	}
	s.log.Info("ticker service stopped")
}

func streamKey(exchange string, sandbox bool) string {
	if sandbox {
		return exchange + ":sandbox"
	}
	return exchange
}

// Subscribe attaches an observer to (exchange, symbol), dialing the
// stream on first use.
func (s *Service) Subscribe(exchange string, sandbox bool, symbol string, obs Observer) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("ticker service not running")
	}
	key := streamKey(exchange, sandbox)
	st, ok := s.streams[key]
	if !ok {
		feed, found := feedFor(exchange)
		if !found {
			s.mu.Unlock()
			return fmt.Errorf("no ticker feed for exchange %q", exchange)
		}
		st = newStream(s.ctx, exchange, sandbox, feed, s.broker, s.log)
		s.streams[key] = st
	}
	s.mu.Unlock()

	return st.subscribe(symbol, obs)
}

// Unsubscribe detaches an observer. The upstream symbol subscription is
// dropped with the last observer.
func (s *Service) Unsubscribe(exchange string, sandbox bool, symbol string, obs Observer) {
	s.mu.Lock()
	st, ok := s.streams[streamKey(exchange, sandbox)]
	s.mu.Unlock()
	if ok {
		st.unsubscribe(symbol, obs)
	}
}

// LatestPrice returns the newest mark price for the symbol, subscribing
// on demand and waiting up to the first-tick timeout when the stream is
// cold.
func (s *Service) LatestPrice(ctx context.Context, exchange string, sandbox bool, symbol string) (decimal.Decimal, error) {
	waiter := newFirstTickWaiter()
	if err := s.Subscribe(exchange, sandbox, symbol, waiter); err != nil {
		return decimal.Zero, err
	}
	defer s.Unsubscribe(exchange, sandbox, symbol, waiter)

	s.mu.Lock()
	st := s.streams[streamKey(exchange, sandbox)]
	s.mu.Unlock()
	if t, ok := st.latest(symbol); ok {
		return t.Price, nil
	}

	timeout := s.cfg.FirstTickTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case t := <-waiter.ch:
		return t.Price, nil
	case <-time.After(timeout):
		return decimal.Zero, fmt.Errorf("no tick for %s %s within %s", exchange, symbol, timeout)
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	}
}

type firstTickWaiter struct {
	once sync.Once
	ch   chan model.Ticker
}

func newFirstTickWaiter() *firstTickWaiter {
	return &firstTickWaiter{ch: make(chan model.Ticker, 1)}
}

func (w *firstTickWaiter) Update(t model.Ticker) {
	w.once.Do(func() { w.ch <- t })
}

// stream is one live websocket with its observer table.
type stream struct {
	exchange string
	sandbox  bool
	feed     Feed
	broker   *messenger.Broker
	log      *logger.Entry

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	subs    map[string]map[Observer]struct{}
	prices  map[string]model.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newStream(ctx context.Context, exchange string, sandbox bool, feed Feed, broker *messenger.Broker, log *logger.Entry) *stream {
	st := &stream{
		exchange: exchange,
		sandbox:  sandbox,
		feed:     feed,
		broker:   broker,
		log: log.WithFields(logger.Fields{
			"exchange": exchange,
			"sandbox":  sandbox,
		}),
		subs:   make(map[string]map[Observer]struct{}),
		prices: make(map[string]model.Ticker),
	}
	st.ctx, st.cancel = context.WithCancel(ctx)
	st.wg.Add(1)
	go st.run()
	return st
}

func (st *stream) subscribe(symbol string, obs Observer) error {
	st.mu.Lock()
	observers, ok := st.subs[symbol]
	if !ok {
		observers = make(map[Observer]struct{})
		st.subs[symbol] = observers
	}
	observers[obs] = struct{}{}
	first := len(observers) == 1
	conn := st.conn
	st.mu.Unlock()

	if first && conn != nil {
		return st.send(st.feed.SubscribeFrames([]string{symbol}))
	}
	return nil
}

func (st *stream) unsubscribe(symbol string, obs Observer) {
	st.mu.Lock()
	observers, ok := st.subs[symbol]
	if ok {
		delete(observers, obs)
		if len(observers) == 0 {
			delete(st.subs, symbol)
			delete(st.prices, symbol)
		} else {
			ok = false
		}
	}
	conn := st.conn
	st.mu.Unlock()

	if ok && conn != nil {
		if err := st.send(st.feed.UnsubscribeFrames([]string{symbol})); err != nil {
			st.log.WithError(err).Warn("failed to unsubscribe symbol")
		}
	}
}

func (st *stream) latest(symbol string) (model.Ticker, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	t, ok := st.prices[symbol]
	return t, ok
}

func (st *stream) send(frames []interface{}) error {
	st.mu.Lock()
	conn := st.conn
	st.mu.Unlock()
	if conn == nil {
		return nil
	}
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	for _, f := range frames {
		if err := conn.WriteJSON(f); err != nil {
			return err
		}
	}
	return nil
}

func (st *stream) writeFrame(conn *websocket.Conn, messageType int, frame interface{}) error {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()
	if frame != nil {
		return conn.WriteJSON(frame)
	}
	return conn.WriteMessage(messageType, nil)
}

// run dials and reads until the service stops, reconnecting with capped
// backoff and replaying every active subscription after each dial.
func (st *stream) run() {
	defer st.wg.Done()

	backoff := time.Second
	for {
		if st.ctx.Err() != nil {
			return
		}

		if err := st.connectOnce(); err != nil {
			if st.ctx.Err() != nil {
				return
			}
			st.log.WithError(err).Warn("ticker stream disconnected, reconnecting")
			logger.IncrementWsReconnect("ticker")
			select {
			case <-st.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
	}
}

func (st *stream) connectOnce() error {
	url := st.feed.URL(st.sandbox)
	conn, _, err := websocket.DefaultDialer.DialContext(st.ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	st.mu.Lock()
	st.conn = conn
	symbols := make([]string, 0, len(st.subs))
	for sym := range st.subs {
		symbols = append(symbols, sym)
	}
	st.mu.Unlock()

	defer func() {
		st.mu.Lock()
		st.conn = nil
		st.mu.Unlock()
		conn.Close()
	}()

	if len(symbols) > 0 {
		if err := st.send(st.feed.SubscribeFrames(symbols)); err != nil {
			return err
		}
	}

	pingDone := make(chan struct{})
	defer close(pingDone)
	go st.pingLoop(conn, pingDone)

	go func() {
		select {
		case <-st.ctx.Done():
			conn.Close()
		case <-pingDone:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		t, ok := st.feed.Parse(msg)
		if !ok {
			continue
		}
		t.Src = st.exchange
		st.dispatch(t)
	}
}

func (st *stream) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-st.ctx.Done():
			return
		case <-ticker.C:
			frame, _ := st.feed.Ping()
			if err := st.writeFrame(conn, websocket.PingMessage, frame); err != nil {
				return
			}
		}
	}
}

func (st *stream) dispatch(t model.Ticker) {
	st.mu.Lock()
	st.prices[t.Symbol] = t
	observers := make([]Observer, 0, len(st.subs[t.Symbol]))
	for obs := range st.subs[t.Symbol] {
		observers = append(observers, obs)
	}
	st.mu.Unlock()

	// Observers may suspend in Update; each gets its own goroutine so a
	// slow one never stalls the read loop or its peers.
	for _, obs := range observers {
		go obs.Update(t)
	}
	st.broker.Publish(messenger.TopicTicker(st.exchange, t.Symbol), t)
}

func (st *stream) close() {
	st.cancel()
	st.mu.Lock()
	if st.conn != nil {
		st.conn.Close()
	}
	st.mu.Unlock()
	st.wg.Wait()
}
