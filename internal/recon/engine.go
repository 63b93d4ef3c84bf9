// Package recon drives the per-client reconciliation loop: it feeds
// executions through the trade state machine, keeps the realized
// balance anchor fresh and repairs drift through full synchronisation.
package recon

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/config"
	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/store"
	"ledgerflow/logger"
)

// Engine reconciles one client. All state transitions for the client
// run under e.mu so websocket fills and historical replays never
// interleave.
type Engine struct {
	client *model.Client
	worker exchange.Worker
	store  *store.Store
	cfg    config.ReconConfig
	log    *logger.Entry

	mu          sync.Mutex
	lastApplied time.Time
	lastRefresh time.Time

	refresh *debouncer
	syncCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(client *model.Client, worker exchange.Worker, st *store.Store, cfg config.ReconConfig) *Engine {
	en := &Engine{
		client: client,
		worker: worker,
		store:  st,
		cfg:    cfg,
		log: logger.GetLogger().WithComponent("recon").WithFields(map[string]interface{}{
			"client_id": client.ID,
			"exchange":  client.Exchange,
		}),
		syncCh: make(chan struct{}, 1),
	}
	en.refresh = newDebouncer(cfg.RefreshDebounce, en.refreshRealized)
	if client.LastExecutionSync != nil {
		en.lastApplied = *client.LastExecutionSync
	}
	return en
}

// Start launches the periodic sync loop and runs the initial full
// synchronisation in the background.
func (en *Engine) Start(ctx context.Context) error {
	en.ctx, en.cancel = context.WithCancel(ctx)

	en.wg.Add(1)
	go en.syncLoop()

	en.RequestSync()
	return nil
}

// Stop cancels background work and waits for it to drain.
func (en *Engine) Stop() {
	if en.cancel != nil {
		en.cancel()
	}
	en.refresh.Stop()
	en.wg.Wait()
}

// RequestSync queues a full synchronisation. Requests arriving while
// one is queued coalesce.
func (en *Engine) RequestSync() {
	select {
	case en.syncCh <- struct{}{}:
	default:
	}
}

func (en *Engine) syncLoop() {
	defer en.wg.Done()
	ticker := time.NewTicker(en.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-en.ctx.Done():
			return
		case <-ticker.C:
			en.RequestSync()
		case <-en.syncCh:
			if err := en.SyncTransfers(en.ctx); err != nil {
				en.log.WithError(err).Warn("transfer sync failed")
			}
			if err := en.FullSync(en.ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				en.log.WithError(err).Error("full synchronisation failed")
				en.flagInvalidOnAuthError(err)
			}
		}
	}
}

// OnExecution is the worker callback for fills. Realtime fills older
// than the newest applied execution indicate a gap on the stream; the
// engine falls back to a full synchronisation instead of applying them
// out of order.
func (en *Engine) OnExecution(e *model.Execution, realtime bool) {
	e.ClientID = en.client.ID
	e.Time = truncateTime(e.Time)

	en.mu.Lock()
	defer en.mu.Unlock()

	if realtime && !en.lastApplied.IsZero() && e.Time.Before(en.lastApplied) {
		en.log.WithFields(map[string]interface{}{
			"exec_time":    e.Time,
			"last_applied": en.lastApplied,
		}).Warn("out of order fill on stream, requesting full sync")
		en.RequestSync()
		return
	}

	err := en.store.WithTx(en.ctx, func(tx *store.Tx) error {
		return en.apply(tx, e)
	})
	if err != nil {
		en.log.WithError(err).WithFields(map[string]interface{}{
			"symbol": e.Symbol,
		}).Error("failed to apply execution")
		return
	}

	logger.IncrementExecutionSeen(0)
	if e.Time.After(en.lastApplied) {
		en.lastApplied = e.Time
	}
	en.refresh.Trigger()
}

// apply runs one execution through the state machine and persists every
// touched row inside tx. Caller holds en.mu.
func (en *Engine) apply(tx *store.Tx, e *model.Execution) error {
	trade, err := tx.OpenTrade(e.ClientID, e.Symbol)
	if err != nil {
		return err
	}

	res, err := applyExecution(trade, e)
	if err != nil {
		return err
	}
	if res == nil {
		// Funding without an open position still lands in the ledger.
		return tx.CreateExecution(e)
	}

	switch res.Outcome {
	case OutcomeOpened:
		return en.persistOpen(tx, res.Trade, e)

	case OutcomeFlipped:
		if err := en.persistReduce(tx, res.Trade, res.Closing, res.ClosedSample); err != nil {
			return err
		}
		return en.persistOpen(tx, res.NewTrade, res.Opening)

	case OutcomeClosed, OutcomeReduced:
		return en.persistReduce(tx, res.Trade, e, res.ClosedSample)

	default: // OutcomeIncreased
		if err := tx.SaveTrade(res.Trade); err != nil {
			return err
		}
		e.TradeID = &res.Trade.ID
		return tx.CreateExecution(e)
	}
}

func (en *Engine) persistOpen(tx *store.Tx, t *model.Trade, e *model.Execution) error {
	if err := tx.CreateExecution(e); err != nil {
		return err
	}
	t.InitialExecutionID = &e.ID
	t.InitBalanceID = en.client.CurrentlyRealizedID
	if err := tx.CreateTrade(t); err != nil {
		return err
	}
	e.TradeID = &t.ID
	return tx.SaveExecution(e)
}

func (en *Engine) persistReduce(tx *store.Tx, t *model.Trade, e *model.Execution, sample *model.PnlData) error {
	e.TradeID = &t.ID
	if err := tx.CreateExecution(e); err != nil {
		return err
	}
	if sample != nil {
		sample.TradeID = t.ID
		if err := tx.CreatePnl(sample); err != nil {
			return err
		}
		if err := en.bumpPnlBounds(tx, t, sample); err != nil {
			return err
		}
	}
	// The trade row goes last so the bound references land with it.
	return tx.SaveTrade(t)
}

// unrealizedPnl marks an open position to the given price.
func unrealizedPnl(t *model.Trade, price decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(int64(t.Side.Sign()))
	return price.Sub(t.EntryPrice).Mul(t.OpenQty).Mul(sign)
}

// envelopeBreak reports whether a total pnl escapes the recorded
// max/min envelope. Trades without bounds always break.
func envelopeBreak(total decimal.Decimal, maxP, minP *model.PnlData) bool {
	if maxP == nil || minP == nil {
		return true
	}
	return total.GreaterThan(maxP.Total()) || total.LessThan(minP.Total())
}

func (en *Engine) tradeEnvelope(tx *store.Tx, t *model.Trade) (maxP, minP *model.PnlData, err error) {
	if t.MaxPnlID != nil {
		if maxP, err = tx.PnlByID(*t.MaxPnlID); err != nil {
			return nil, nil, err
		}
	}
	if t.MinPnlID != nil {
		if minP, err = tx.PnlByID(*t.MinPnlID); err != nil {
			return nil, nil, err
		}
	}
	return maxP, minP, nil
}

// updatePnl records a (realized, unrealized) sample for an open trade
// at the given price and maintains the max/min references.
func (en *Engine) updatePnl(tx *store.Tx, t *model.Trade, price decimal.Decimal, now time.Time) error {
	unrealized := unrealizedPnl(t, price)

	sample := &model.PnlData{
		TradeID:    t.ID,
		Time:       now,
		Realized:   t.RealizedPnl,
		Unrealized: unrealized,
	}
	if err := tx.CreatePnl(sample); err != nil {
		return err
	}
	if err := en.bumpPnlBounds(tx, t, sample); err != nil {
		return err
	}
	return tx.SaveTrade(t)
}

// bumpPnlBounds moves the trade's max/min pnl references when the new
// sample extends the envelope.
func (en *Engine) bumpPnlBounds(tx *store.Tx, t *model.Trade, sample *model.PnlData) error {
	total := sample.Total()

	if t.MaxPnlID == nil {
		t.MaxPnlID = &sample.ID
		t.MinPnlID = &sample.ID
		return nil
	}

	maxP, err := tx.PnlByID(*t.MaxPnlID)
	if err != nil {
		return err
	}
	if maxP == nil || total.GreaterThan(maxP.Total()) {
		t.MaxPnlID = &sample.ID
	}

	minP, err := tx.PnlByID(*t.MinPnlID)
	if err != nil {
		return err
	}
	if minP == nil || total.LessThan(minP.Total()) {
		t.MinPnlID = &sample.ID
	}
	return nil
}

// SampleOpenTrades marks every open trade to its latest price and
// returns the summed unrealized pnl. A pnl sample is persisted only
// when a trade escapes its recorded max/min envelope, so flat markets
// do not accumulate rows; the boolean reports whether any trade broke
// out. priceFor returns the latest mark price.
func (en *Engine) SampleOpenTrades(ctx context.Context, priceFor func(symbol string) (decimal.Decimal, bool)) (decimal.Decimal, bool, error) {
	en.mu.Lock()
	defer en.mu.Unlock()
	now := time.Now()
	total := decimal.Zero
	broke := false
	err := en.store.WithTx(ctx, func(tx *store.Tx) error {
		trades, err := tx.OpenTrades(en.client.ID)
		if err != nil {
			return err
		}
		for _, t := range trades {
			price, ok := priceFor(t.Symbol)
			if !ok {
				continue
			}
			unrealized := unrealizedPnl(t, price)
			total = total.Add(unrealized)

			maxP, minP, err := en.tradeEnvelope(tx, t)
			if err != nil {
				return err
			}
			if !envelopeBreak(t.RealizedPnl.Add(unrealized), maxP, minP) {
				continue
			}
			broke = true
			if err := en.updatePnl(tx, t, price, now); err != nil {
				return err
			}
		}
		return nil
	})
	return total, broke, err
}

// refreshRealized fetches a realized-only snapshot at FORCE priority
// and repoints the client anchor. Runs on the debouncer goroutine.
// Fetches are spaced by the FORCE interval; a refresh arriving inside
// the window re-arms instead of hitting the exchange again.
func (en *Engine) refreshRealized() {
	en.mu.Lock()
	defer en.mu.Unlock()

	if wait := model.PriorityForce.Interval() - time.Since(en.lastRefresh); wait > 0 {
		time.AfterFunc(wait, en.refresh.Trigger)
		return
	}
	en.lastRefresh = time.Now()

	ctx := sched.WithPriority(en.ctx, model.PriorityForce)
	bal, err := en.worker.GetBalance(ctx, time.Now(), false)
	if err != nil {
		en.log.WithError(err).Warn("realized balance refresh failed")
		en.flagInvalidLocked(err)
		return
	}
	bal.ClientID = en.client.ID
	bal.Unrealized = bal.Realized

	err = en.store.WithTx(en.ctx, func(tx *store.Tx) error {
		return tx.SetCurrentlyRealized(en.client, bal)
	})
	if err != nil {
		en.log.WithError(err).Error("failed to store realized balance")
		return
	}
	logger.IncrementBalanceWrite()
}

// SyncTransfers pulls deposit/withdraw events since the last transfer
// sync, converts them into account currency, creates synthetic TRANSFER
// executions for tradeable coins and back-patches the transfer totals
// of newer balances.
func (en *Engine) SyncTransfers(ctx context.Context) error {
	since := time.Time{}
	if en.client.LastTransferSync != nil {
		since = *en.client.LastTransferSync
	}

	raw, err := en.worker.GetTransfers(ctx, since)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return en.touchTransferSync(ctx)
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	var stored []*model.Transfer
	err = en.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, rt := range raw {
			tr, err := en.convertTransfer(ctx, tx, rt)
			if err != nil {
				return err
			}
			if err := tx.CreateTransfer(tr); err != nil {
				return err
			}
			stored = append(stored, tr)
		}
		if err := en.patchTransferTotals(tx, stored); err != nil {
			return err
		}
		now := time.Now()
		en.client.LastTransferSync = &now
		return tx.SaveClient(en.client)
	})
	return err
}

// convertTransfer turns a raw coin movement into an account-currency
// transfer row. Tradeable coins additionally produce a TRANSFER
// execution so the position ledger and the balance ledger stay
// consistent.
func (en *Engine) convertTransfer(ctx context.Context, tx *store.Tx, rt exchange.RawTransfer) (*model.Transfer, error) {
	ts := truncateTime(rt.Time)
	tr := &model.Transfer{
		ClientID: en.client.ID,
		Time:     ts,
		Coin:     rt.Coin,
		Amount:   rt.Amount,
	}
	if strings.EqualFold(rt.Coin, en.client.Currency) {
		return tr, nil
	}

	symbol := rt.Coin + en.client.Currency
	candles, err := en.worker.GetOHLC(ctx, symbol, ts.Add(-time.Minute), ts.Add(time.Minute), time.Minute)
	if err != nil || len(candles) == 0 {
		// Coin has no market against the account currency; keep the raw
		// amount so nothing silently disappears from the ledger.
		en.log.WithFields(map[string]interface{}{
			"coin": rt.Coin, "symbol": symbol,
		}).Warn("no price for transferred coin, storing raw amount")
		return tr, nil
	}
	price := candles[len(candles)-1].Close
	tr.Amount = rt.Amount.Mul(price)

	side := model.Buy
	if rt.Amount.IsNegative() {
		side = model.Sell
	}
	exec := &model.Execution{
		ClientID: en.client.ID,
		Symbol:   symbol,
		Side:     side,
		Type:     model.ExecTransfer,
		Qty:      rt.Amount.Abs(),
		Price:    price,
		Time:     ts,
	}
	if err := en.apply(tx, exec); err != nil {
		return nil, err
	}
	tr.ExecutionID = &exec.ID
	return tr, nil
}

// patchTransferTotals adds the new transfer amounts to the running
// total_transfered of every balance that postdates them.
func (en *Engine) patchTransferTotals(tx *store.Tx, transfers []*model.Transfer) error {
	if len(transfers) == 0 {
		return nil
	}
	earliest := transfers[0].Time
	for _, tr := range transfers[1:] {
		if tr.Time.Before(earliest) {
			earliest = tr.Time
		}
	}

	balances, err := tx.BalancesAfter(en.client.ID, earliest)
	if err != nil {
		return err
	}
	for _, b := range balances {
		delta := decimal.Zero
		for _, tr := range transfers {
			if !tr.Time.After(b.Time) {
				delta = delta.Add(tr.Amount)
			}
		}
		if delta.IsZero() {
			continue
		}
		b.TotalTransfered = b.TotalTransfered.Add(delta)
		if err := tx.SaveBalance(b); err != nil {
			return err
		}
	}
	return nil
}

func (en *Engine) touchTransferSync(ctx context.Context) error {
	now := time.Now()
	en.client.LastTransferSync = &now
	return en.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SaveClient(en.client)
	})
}

// flagInvalidOnAuthError marks the client invalid when the exchange
// rejects its credentials, which stops the manager from restarting it.
func (en *Engine) flagInvalidOnAuthError(err error) {
	en.mu.Lock()
	defer en.mu.Unlock()
	en.flagInvalidLocked(err)
}

// flagInvalidLocked requires en.mu.
func (en *Engine) flagInvalidLocked(err error) {
	if !errors.Is(err, exchange.ErrInvalidClient) {
		return
	}
	en.client.Invalid = true
	if dbErr := en.store.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.SaveClient(en.client)
	}); dbErr != nil {
		en.log.WithError(dbErr).Error("failed to flag client invalid")
	}
}

// chooseResolution picks the finest candle resolution that keeps the
// window under maxPoints candles.
func chooseResolution(since, to time.Time, maxPoints int) time.Duration {
	candidates := []time.Duration{
		time.Minute, 3 * time.Minute, 5 * time.Minute, 15 * time.Minute,
		30 * time.Minute, time.Hour, 2 * time.Hour, 4 * time.Hour,
		6 * time.Hour, 12 * time.Hour, 24 * time.Hour,
	}
	window := to.Sub(since)
	if window <= 0 || maxPoints <= 0 {
		return candidates[0]
	}
	for _, res := range candidates {
		if int(window/res)+1 <= maxPoints {
			return res
		}
	}
	return candidates[len(candidates)-1]
}
