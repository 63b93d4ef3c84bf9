package recon

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/internal/model"
)

// Outcome describes what applying an execution did to the position.
type Outcome int

const (
	OutcomeOpened Outcome = iota
	OutcomeIncreased
	OutcomeReduced
	OutcomeClosed
	OutcomeFlipped
)

// Applied is the result of pushing one execution through the state
// machine. On a position flip both halves are populated: Closing and
// Opening are the split executions, NewTrade the position opened by the
// surplus quantity.
type Applied struct {
	Outcome  Outcome
	Trade    *model.Trade
	NewTrade *model.Trade
	Closing  *model.Execution
	Opening  *model.Execution
	// ClosedSample is the zero-unrealized pnl sample written when the
	// trade fully closes.
	ClosedSample *model.PnlData
}

// newTradeFrom opens a position from its initial execution.
func newTradeFrom(e *model.Execution) *model.Trade {
	t := &model.Trade{
		ClientID:   e.ClientID,
		Symbol:     e.Symbol,
		Side:       e.Side,
		EntryPrice: e.Price,
		Qty:        e.Qty,
		OpenQty:    e.Qty,
		OpenTime:   e.Time,
	}
	t.TotalCommissions = e.Commission
	if e.Type == model.ExecTransfer {
		t.TransferredQty = e.Qty
	}
	return t
}

// applyExecution advances the state machine for (client, symbol). trade
// is the open trade or nil. Execution times must already be truncated
// to the second.
//
// The returned Applied never persists anything; the engine owns
// persistence and event ordering.
func applyExecution(trade *model.Trade, e *model.Execution) (*Applied, error) {
	if e.Qty.IsNegative() {
		return nil, fmt.Errorf("execution qty must be positive, got %s", e.Qty)
	}

	// FUNDING adjusts realized pnl without touching quantity.
	if e.Type == model.ExecFunding {
		if trade == nil {
			return nil, nil
		}
		if e.RealizedPnl.Valid {
			trade.RealizedPnl = trade.RealizedPnl.Add(e.RealizedPnl.Decimal)
		}
		return &Applied{Outcome: OutcomeIncreased, Trade: trade}, nil
	}

	if trade == nil {
		t := newTradeFrom(e)
		return &Applied{Outcome: OutcomeOpened, Trade: t}, nil
	}

	if e.Type == model.ExecTransfer {
		applyTransfer(trade, e)
		return &Applied{Outcome: OutcomeIncreased, Trade: trade}, nil
	}

	trade.TotalCommissions = trade.TotalCommissions.Add(e.Commission)

	if e.Side == trade.Side {
		// Increase: entry becomes the volume-weighted average.
		trade.EntryPrice = model.WeightedAvg(trade.EntryPrice, trade.Qty, e.Price, e.Qty)
		trade.Qty = trade.Qty.Add(e.Qty)
		trade.OpenQty = trade.OpenQty.Add(e.Qty)
		return &Applied{Outcome: OutcomeIncreased, Trade: trade}, nil
	}

	if e.Qty.GreaterThan(trade.OpenQty) {
		// Flip: split into the closing piece and a new position opened
		// by the surplus, commission prorated by qty.
		closing, opening := splitExecution(e, trade.OpenQty)
		sample := reduce(trade, closing)
		nt := newTradeFrom(opening)
		return &Applied{
			Outcome:      OutcomeFlipped,
			Trade:        trade,
			NewTrade:     nt,
			Closing:      closing,
			Opening:      opening,
			ClosedSample: sample,
		}, nil
	}

	sample := reduce(trade, e)
	out := OutcomeReduced
	if sample != nil {
		out = OutcomeClosed
	}
	return &Applied{Outcome: out, Trade: trade, ClosedSample: sample}, nil
}

// reduce applies a closing execution with qty <= open_qty and returns
// the zero-unrealized sample when the trade fully closes.
func reduce(t *model.Trade, e *model.Execution) *model.PnlData {
	closedBefore := t.Qty.Sub(t.OpenQty)

	if t.ExitPrice.Valid {
		t.ExitPrice.Decimal = model.WeightedAvg(t.ExitPrice.Decimal, closedBefore, e.Price, e.Qty)
	} else {
		t.ExitPrice = decimal.NewNullDecimal(e.Price)
	}

	t.OpenQty = t.OpenQty.Sub(e.Qty)

	sign := decimal.NewFromInt(int64(t.Side.Sign()))
	derivedTotal := t.ExitPrice.Decimal.Sub(t.EntryPrice).
		Mul(t.Qty.Sub(t.OpenQty)).
		Mul(sign)
	derivedDelta := derivedTotal.Sub(t.RealizedPnl)

	// The exchange-reported pnl wins when present; otherwise the fill
	// carries the derived delta so executions always know their own
	// contribution.
	if e.RealizedPnl.Valid {
		t.RealizedPnl = t.RealizedPnl.Add(e.RealizedPnl.Decimal)
	} else {
		e.RealizedPnl = decimal.NewNullDecimal(derivedDelta)
		t.RealizedPnl = derivedTotal
	}

	if t.OpenQty.IsZero() {
		t.MarkFinished()
		return &model.PnlData{
			Time:       e.Time,
			Realized:   t.RealizedPnl,
			Unrealized: decimal.Zero,
		}
	}
	return nil
}

// applyTransfer moves coin in or out of the position without touching
// entry price or realized pnl.
func applyTransfer(t *model.Trade, e *model.Execution) {
	if e.Side == t.Side {
		t.Qty = t.Qty.Add(e.Qty)
		t.OpenQty = t.OpenQty.Add(e.Qty)
		t.TransferredQty = t.TransferredQty.Add(e.Qty)
		return
	}
	// Withdrawal of position coin reduces exposure without pnl.
	q := decimal.Min(e.Qty, t.OpenQty)
	t.OpenQty = t.OpenQty.Sub(q)
	t.TransferredQty = t.TransferredQty.Sub(q)
	if t.OpenQty.IsZero() {
		t.MarkFinished()
	}
}

// splitExecution cuts e into a closing piece of closeQty and an opening
// remainder, prorating the commission by quantity.
func splitExecution(e *model.Execution, closeQty decimal.Decimal) (*model.Execution, *model.Execution) {
	openQty := e.Qty.Sub(closeQty)
	// Multiply before dividing so exact ratios stay exact; the quotient
	// rounds at division precision otherwise.
	closeCommission := e.Commission.Mul(closeQty).Div(e.Qty)

	closing := &model.Execution{
		ClientID:   e.ClientID,
		Symbol:     e.Symbol,
		Side:       e.Side,
		Type:       e.Type,
		Qty:        closeQty,
		Price:      e.Price,
		Commission: closeCommission,
		Time:       e.Time,
	}
	if e.RealizedPnl.Valid {
		closing.RealizedPnl = e.RealizedPnl
	}
	opening := &model.Execution{
		ClientID:   e.ClientID,
		Symbol:     e.Symbol,
		Side:       e.Side,
		Type:       e.Type,
		Qty:        openQty,
		Price:      e.Price,
		Commission: e.Commission.Sub(closing.Commission),
		Time:       e.Time,
	}
	return closing, opening
}

// truncateTime coalesces micro-duplicates by flooring execution times
// to the second before state transitions.
func truncateTime(ts time.Time) time.Time {
	return ts.Truncate(time.Second)
}
