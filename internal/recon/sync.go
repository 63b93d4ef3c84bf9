package recon

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/store"
)

// FullSync reconciles the stored ledger against the exchange history.
// It finds the newest instant where the two agree, rolls the stored
// state back to it and replays the authoritative history forward,
// reconstructing pnl envelopes for closed round trips and the balance
// series for the repaired window. Running it twice in a row writes
// nothing the second time.
func (en *Engine) FullSync(ctx context.Context) error {
	en.mu.Lock()
	defer en.mu.Unlock()

	ctx = sched.WithPriority(ctx, model.PriorityHigh)

	since := time.Time{}
	if en.client.LastExecutionSync != nil {
		since = *en.client.LastExecutionSync
	}

	stored, err := en.store.Live(ctx).ExecutionsSince(en.client.ID, since)
	if err != nil {
		return err
	}

	batch, err := en.worker.GetExecutions(ctx, since)
	if err != nil {
		return err
	}
	exchange.SortExecutions(batch.All)

	validUntil := computeValidUntil(stored, batch.All, since)

	var replayed []*model.Execution
	err = en.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := en.rollBack(tx, validUntil); err != nil {
			return err
		}
		if err := en.replayTransfers(tx, batch.Transfers, validUntil); err != nil {
			return err
		}

		for symbol, execs := range batch.BySymbol {
			pending := pendingAfter(execs, validUntil)
			if len(pending) == 0 {
				continue
			}
			if err := en.replaySymbol(ctx, tx, symbol, pending); err != nil {
				return err
			}
			replayed = append(replayed, pending...)
		}

		now := time.Now()
		en.client.LastExecutionSync = &now
		if err := tx.SaveClient(en.client); err != nil {
			return err
		}

		if len(replayed) > 0 {
			exchange.SortExecutions(replayed)
			return en.rebuildBalances(ctx, tx, replayed)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if n := len(replayed); n > 0 && replayed[n-1].Time.After(en.lastApplied) {
		en.lastApplied = replayed[n-1].Time
	}
	en.log.WithFields(map[string]interface{}{
		"valid_until": validUntil,
		"replayed":    len(replayed),
	}).Info("full synchronisation complete")
	return nil
}

// computeValidUntil walks the stored and remote histories in time order,
// tracking the per-symbol cumulative signed quantity of each. The result
// is the last instant at which every symbol's running total agrees.
//
// Synthetic TRANSFER executions come from the transfer ledger and never
// appear in remote fill histories, so both walks skip them; the transfer
// replay owns their idempotence.
func computeValidUntil(stored, remote []*model.Execution, since time.Time) time.Time {
	validUntil := since
	storedQty := map[string]decimal.Decimal{}
	remoteQty := map[string]decimal.Decimal{}

	i, j := 0, 0
	for i < len(stored) || j < len(remote) {
		var ts time.Time
		switch {
		case i >= len(stored):
			ts = remote[j].Time
		case j >= len(remote):
			ts = stored[i].Time
		case stored[i].Time.Before(remote[j].Time):
			ts = stored[i].Time
		default:
			ts = remote[j].Time
		}

		for i < len(stored) && !stored[i].Time.After(ts) {
			e := stored[i]
			i++
			if e.Type == model.ExecTransfer {
				continue
			}
			storedQty[e.Symbol] = qtyOrZero(storedQty, e.Symbol).Add(e.EffectiveQty())
		}
		for j < len(remote) && !remote[j].Time.After(ts) {
			e := remote[j]
			j++
			if e.Type == model.ExecTransfer {
				continue
			}
			remoteQty[e.Symbol] = qtyOrZero(remoteQty, e.Symbol).Add(e.EffectiveQty())
		}

		if !qtyMapsEqual(storedQty, remoteQty) {
			return validUntil
		}
		validUntil = ts
	}
	return validUntil
}

func qtyOrZero(m map[string]decimal.Decimal, symbol string) decimal.Decimal {
	if v, ok := m[symbol]; ok {
		return v
	}
	return decimal.Zero
}

func qtyMapsEqual(a, b map[string]decimal.Decimal) bool {
	for sym, v := range a {
		if !v.Equal(qtyOrZero(b, sym)) {
			return false
		}
	}
	for sym, v := range b {
		if _, ok := a[sym]; !ok && !v.IsZero() {
			return false
		}
	}
	return true
}

// rollBack restores every trade touched after validUntil to its state
// at validUntil and drops the now-untrusted executions.
func (en *Engine) rollBack(tx *store.Tx, validUntil time.Time) error {
	trades, err := tx.TradesTouchedSince(en.client.ID, validUntil)
	if err != nil {
		return err
	}
	for _, t := range trades {
		if err := en.rebuildTrade(tx, t, validUntil); err != nil {
			return err
		}
	}
	return tx.DeleteExecutionsAfter(en.client.ID, validUntil)
}

// rebuildTrade re-derives a trade from its executions at or before the
// cutoff, deleting it when none remain.
func (en *Engine) rebuildTrade(tx *store.Tx, t *model.Trade, cutoff time.Time) error {
	execs, err := tx.TradeExecutions(t.ID)
	if err != nil {
		return err
	}
	var kept []*model.Execution
	for _, e := range execs {
		// Transfer executions survive the rollback delete, so the
		// rebuilt state keeps them on either side of the cutoff.
		if !e.Time.After(cutoff) || e.Type == model.ExecTransfer {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return tx.DeleteTrade(t)
	}

	fresh := newTradeFrom(kept[0])
	for _, e := range kept[1:] {
		if _, err := applyExecution(fresh, e); err != nil {
			return err
		}
	}

	t.Side = fresh.Side
	t.EntryPrice = fresh.EntryPrice
	t.ExitPrice = fresh.ExitPrice
	t.Qty = fresh.Qty
	t.OpenQty = fresh.OpenQty
	t.RealizedPnl = fresh.RealizedPnl
	t.TotalCommissions = fresh.TotalCommissions
	t.TransferredQty = fresh.TransferredQty
	t.OpenTime = kept[0].Time

	if err := tx.DeletePnlAfter(t.ID, cutoff); err != nil {
		return err
	}
	if err := en.clearDanglingBounds(tx, t); err != nil {
		return err
	}
	return tx.SaveTrade(t)
}

func (en *Engine) clearDanglingBounds(tx *store.Tx, t *model.Trade) error {
	if t.MaxPnlID != nil {
		p, err := tx.PnlByID(*t.MaxPnlID)
		if err != nil {
			return err
		}
		if p == nil {
			t.MaxPnlID = nil
		}
	}
	if t.MinPnlID != nil {
		p, err := tx.PnlByID(*t.MinPnlID)
		if err != nil {
			return err
		}
		if p == nil {
			t.MinPnlID = nil
		}
	}
	return nil
}

// replayTransfers stores the window's transfers that are not already in
// the ledger. Existing rows are matched by second and coin so repeated
// syncs stay idempotent.
func (en *Engine) replayTransfers(tx *store.Tx, transfers []*model.Transfer, validUntil time.Time) error {
	existing, err := tx.TransfersSince(en.client.ID, validUntil)
	if err != nil {
		return err
	}
	seen := map[string]bool{}
	for _, tr := range existing {
		seen[transferKey(tr)] = true
	}

	var stored []*model.Transfer
	for _, tr := range transfers {
		if !tr.Time.After(validUntil) || seen[transferKey(tr)] {
			continue
		}
		tr.ClientID = en.client.ID
		if err := tx.CreateTransfer(tr); err != nil {
			return err
		}
		stored = append(stored, tr)
	}
	return en.patchTransferTotals(tx, stored)
}

func transferKey(tr *model.Transfer) string {
	return tr.Coin + "/" + tr.Time.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func pendingAfter(execs []*model.Execution, validUntil time.Time) []*model.Execution {
	var out []*model.Execution
	for _, e := range execs {
		if e.Time.After(validUntil) {
			e.Time = truncateTime(e.Time)
			e.ID = 0
			out = append(out, e)
		}
	}
	exchange.SortExecutions(out)
	return out
}

// replaySymbol applies one symbol's pending fills. For round trips that
// opened and closed entirely inside the window it interleaves candles
// between the fills so the trade gets a pnl envelope instead of a flat
// line.
func (en *Engine) replaySymbol(ctx context.Context, tx *store.Tx, symbol string, pending []*model.Execution) error {
	running := decimal.Zero
	if open, err := tx.OpenTrade(en.client.ID, symbol); err != nil {
		return err
	} else if open != nil {
		running = open.OpenQty
		if open.Side == model.Sell {
			running = running.Neg()
		}
	}

	seqStart := 0
	for i, e := range pending {
		running = running.Add(e.EffectiveQty())
		if !running.IsZero() {
			continue
		}
		seq := pending[seqStart : i+1]
		if err := en.replaySequence(ctx, tx, symbol, seq); err != nil {
			return err
		}
		seqStart = i + 1
	}

	// Tail that leaves the position open replays without an envelope.
	for _, e := range pending[seqStart:] {
		e.ClientID = en.client.ID
		if err := en.apply(tx, e); err != nil {
			return err
		}
	}
	return nil
}

// replaySequence applies a closed round trip with OHLC candles merged
// between the fills.
func (en *Engine) replaySequence(ctx context.Context, tx *store.Tx, symbol string, seq []*model.Execution) error {
	first, last := seq[0].Time, seq[len(seq)-1].Time

	var candles []model.OHLC
	if last.After(first) {
		res := chooseResolution(first, last, en.cfg.MaxOHLCPoints)
		var err error
		candles, err = en.worker.GetOHLC(ctx, symbol, first, last, res)
		if err != nil {
			en.log.WithError(err).WithFields(map[string]interface{}{
				"symbol": symbol,
			}).Warn("no candles for replay window, skipping pnl envelope")
		}
	}

	ci := 0
	for _, e := range seq {
		for ci < len(candles) && candles[ci].Time.Before(e.Time) {
			if err := en.samplePnlAt(tx, symbol, candles[ci]); err != nil {
				return err
			}
			ci++
		}
		e.ClientID = en.client.ID
		if err := en.apply(tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (en *Engine) samplePnlAt(tx *store.Tx, symbol string, candle model.OHLC) error {
	t, err := tx.OpenTrade(en.client.ID, symbol)
	if err != nil || t == nil {
		return err
	}
	return en.updatePnl(tx, t, candle.Close, candle.Time)
}

// rebuildBalances reconstructs the balance step function over the
// repaired window by walking the replayed executions newest to oldest
// from the current realized anchor.
func (en *Engine) rebuildBalances(ctx context.Context, tx *store.Tx, replayed []*model.Execution) error {
	anchor := en.client.CurrentlyRealized
	if anchor == nil {
		bal, err := en.worker.GetBalance(sched.WithPriority(ctx, model.PriorityForce), time.Now(), false)
		if err != nil {
			return err
		}
		bal.ClientID = en.client.ID
		bal.Unrealized = bal.Realized
		if err := tx.SetCurrentlyRealized(en.client, bal); err != nil {
			return err
		}
		anchor = bal
	}

	earliest := replayed[0].Time
	transfers, err := tx.TransfersSince(en.client.ID, earliest.Add(-time.Second))
	if err != nil {
		return err
	}
	existing, err := tx.BalancesAfter(en.client.ID, earliest.Add(-2*time.Second))
	if err != nil {
		return err
	}
	seen := map[int64]bool{}
	for _, b := range existing {
		seen[b.Time.Unix()] = true
	}

	running := anchor.Realized
	totalTrans := anchor.TotalTransfered
	ti := len(transfers) - 1

	var out []*model.Balance
	for i := len(replayed) - 1; i >= 0; i-- {
		e := replayed[i]

		// Transfers newer than this fill are not part of the earlier
		// equity.
		for ti >= 0 && transfers[ti].Time.After(e.Time) {
			running = running.Sub(transfers[ti].Amount)
			totalTrans = totalTrans.Sub(transfers[ti].Amount)
			ti--
		}

		if !seen[e.Time.Unix()] {
			seen[e.Time.Unix()] = true
			out = append(out, &model.Balance{
				ClientID:        en.client.ID,
				Time:            e.Time,
				Realized:        running,
				Unrealized:      running,
				TotalTransfered: totalTrans,
			})
		}

		if e.RealizedPnl.Valid {
			running = running.Sub(e.RealizedPnl.Decimal)
		}
		running = running.Add(e.Commission)
	}

	// One anchor row just before the first execution gives graphs a
	// baseline to start from.
	base := earliest.Add(-time.Second)
	if !seen[base.Unix()] {
		out = append(out, &model.Balance{
			ClientID:        en.client.ID,
			Time:            base,
			Realized:        running,
			Unrealized:      running,
			TotalTransfered: totalTrans,
		})
	}
	return tx.CreateBalances(out)
}
