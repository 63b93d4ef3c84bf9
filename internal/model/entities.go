package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Client is one exchange account tracked by the system. Credentials are
// stored encrypted and only decrypted inside the owning worker.
type Client struct {
	ID         int64      `gorm:"primaryKey" json:"id"`
	UserID     int64      `gorm:"index;not null" json:"user_id"`
	Exchange   string     `gorm:"not null" json:"exchange"`
	ApiKeyEnc  []byte     `json:"-"`
	SecretEnc  []byte     `json:"-"`
	Subaccount string     `json:"subaccount,omitempty"`
	Currency   string     `gorm:"default:USDT" json:"currency"`
	Sandbox    bool       `json:"sandbox"`
	Archived   bool       `json:"archived"`
	Invalid    bool       `json:"invalid"`
	Type       ClientType `gorm:"default:BASIC" json:"type"`

	LastTransferSync  *time.Time `json:"last_transfer_sync,omitempty"`
	LastExecutionSync *time.Time `json:"last_execution_sync,omitempty"`

	// CurrentlyRealized points at the most recent realized-only balance.
	CurrentlyRealizedID *int64   `json:"currently_realized_id,omitempty"`
	CurrentlyRealized   *Balance `gorm:"foreignKey:CurrentlyRealizedID" json:"-"`

	RektThreshold decimal.Decimal `gorm:"type:numeric" json:"rekt_threshold"`
	RektOn        *time.Time      `json:"rekt_on,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`

	// Children cascade on client deletion.
	Trades     []Trade     `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"-"`
	Balances   []Balance   `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"-"`
	Transfers  []Transfer  `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"-"`
	Executions []Execution `gorm:"foreignKey:ClientID;constraint:OnDelete:CASCADE" json:"-"`
}

// Execution is one fill. Immutable once stored.
type Execution struct {
	ID       int64    `gorm:"primaryKey" json:"id"`
	ClientID int64    `gorm:"index;not null" json:"client_id"`
	TradeID  *int64   `gorm:"index" json:"trade_id,omitempty"`
	Symbol   string   `gorm:"not null" json:"symbol"`
	Side     Side     `gorm:"not null" json:"side"`
	Type     ExecType `gorm:"default:TRADE" json:"type"`

	Qty         decimal.Decimal     `gorm:"type:numeric" json:"qty"`
	Price       decimal.Decimal     `gorm:"type:numeric" json:"price"`
	Commission  decimal.Decimal     `gorm:"type:numeric" json:"commission"`
	RealizedPnl decimal.NullDecimal `gorm:"type:numeric" json:"realized_pnl"`

	Time time.Time `gorm:"index;not null" json:"time"`
}

// EffectiveQty is qty signed by side.
func (e *Execution) EffectiveQty() decimal.Decimal {
	if e.Side == Sell {
		return e.Qty.Neg()
	}
	return e.Qty
}

// Trade aggregates the executions of one position lifecycle on
// (client, symbol). Every scalar field is a derivation of the attached
// executions.
type Trade struct {
	ID       int64  `gorm:"primaryKey" json:"id"`
	ClientID int64  `gorm:"index;not null" json:"client_id"`
	Symbol   string `gorm:"not null" json:"symbol"`
	Side     Side   `gorm:"not null" json:"side"`

	InitialExecutionID *int64 `json:"initial_execution_id,omitempty"`

	EntryPrice decimal.Decimal     `gorm:"type:numeric" json:"entry_price"`
	ExitPrice  decimal.NullDecimal `gorm:"type:numeric" json:"exit_price"`

	Qty              decimal.Decimal `gorm:"type:numeric" json:"qty"`
	OpenQty          decimal.Decimal `gorm:"type:numeric" json:"open_qty"`
	RealizedPnl      decimal.Decimal `gorm:"type:numeric" json:"realized_pnl"`
	TotalCommissions decimal.Decimal `gorm:"type:numeric" json:"total_commissions"`
	TransferredQty   decimal.Decimal `gorm:"type:numeric" json:"transferred_qty"`

	InitBalanceID *int64 `json:"init_balance_id,omitempty"`
	MaxPnlID      *int64 `json:"max_pnl_id,omitempty"`
	MinPnlID      *int64 `json:"min_pnl_id,omitempty"`

	OpenTime time.Time `gorm:"index" json:"open_time"`

	Executions []Execution `gorm:"foreignKey:TradeID" json:"-"`
	PnlSamples []PnlData   `gorm:"foreignKey:TradeID;constraint:OnDelete:CASCADE" json:"-"`

	// finished is set by the reconciliation core on the update that
	// drives open_qty to zero, so the store can emit FINISHED after
	// the surrounding transaction commits.
	finished bool `gorm:"-"`
}

// IsOpen reports whether any quantity is still open.
func (t *Trade) IsOpen() bool {
	return t.OpenQty.IsPositive()
}

// MarkFinished flags the trade as freshly closed.
func (t *Trade) MarkFinished() { t.finished = true }

// Finished reports whether this update closed the trade.
func (t *Trade) Finished() bool { return t.finished }

// BalanceCurrency is a per-currency slice of a balance snapshot.
type BalanceCurrency struct {
	Currency   string          `json:"currency"`
	Realized   decimal.Decimal `json:"realized"`
	Unrealized decimal.Decimal `json:"unrealized"`
}

// Balance is a (client, time) equity snapshot. Balances form a
// left-continuous step function per client.
type Balance struct {
	ID       int64     `gorm:"primaryKey" json:"id"`
	ClientID int64     `gorm:"index:idx_balance_client_time,priority:1;not null" json:"client_id"`
	Time     time.Time `gorm:"index:idx_balance_client_time,priority:2;not null" json:"time"`

	Realized        decimal.Decimal `gorm:"type:numeric" json:"realized"`
	Unrealized      decimal.Decimal `gorm:"type:numeric" json:"unrealized"`
	TotalTransfered decimal.Decimal `gorm:"type:numeric" json:"total_transfered"`

	ExtraCurrencies []BalanceCurrency `gorm:"serializer:json" json:"extra_currencies,omitempty"`

	// Error carries a fetch failure so callers can preserve continuity.
	// Never persisted with a value; checked before writes.
	Error string `gorm:"-" json:"error,omitempty"`
}

// Total is the full equity of the snapshot.
func (b *Balance) Total() decimal.Decimal { return b.Unrealized }

// Equal compares the numeric content of two snapshots, ignoring time.
func (b *Balance) Equal(o *Balance) bool {
	return b.Realized.Equal(o.Realized) &&
		b.Unrealized.Equal(o.Unrealized) &&
		b.TotalTransfered.Equal(o.TotalTransfered)
}

// Transfer is a deposit (amount > 0) or withdrawal (amount < 0) in the
// account currency.
type Transfer struct {
	ID       int64     `gorm:"primaryKey" json:"id"`
	ClientID int64     `gorm:"index;not null" json:"client_id"`
	Time     time.Time `gorm:"index;not null" json:"time"`

	Amount decimal.Decimal `gorm:"type:numeric" json:"amount"`
	Coin   string          `json:"coin"`

	// ExecutionID links the synthetic TRANSFER execution created when
	// the transferred coin is tradeable, so the balance change does not
	// surface as realized pnl.
	ExecutionID *int64 `json:"execution_id,omitempty"`

	ExtraCurrencies []BalanceCurrency `gorm:"serializer:json" json:"extra_currencies,omitempty"`
}

// PnlData is a periodic (realized, unrealized) sample of a trade.
type PnlData struct {
	ID      int64     `gorm:"primaryKey" json:"id"`
	TradeID int64     `gorm:"index;not null" json:"trade_id"`
	Time    time.Time `gorm:"not null" json:"time"`

	Realized   decimal.Decimal `gorm:"type:numeric" json:"realized"`
	Unrealized decimal.Decimal `gorm:"type:numeric" json:"unrealized"`
}

// Total is realized + unrealized.
func (p *PnlData) Total() decimal.Decimal { return p.Realized.Add(p.Unrealized) }

// Ticker is a mark-price update from an exchange stream. Not persisted.
type Ticker struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Src    string          `json:"src"`
	Time   time.Time       `json:"ts"`
}

// OHLC is one candle used to price historical open quantity.
type OHLC struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// WeightedAvg combines two volume-weighted price levels.
func WeightedAvg(p1, w1, p2, w2 decimal.Decimal) decimal.Decimal {
	total := w1.Add(w2)
	if total.IsZero() {
		return decimal.Zero
	}
	return p1.Mul(w1).Add(p2.Mul(w2)).Div(total)
}
