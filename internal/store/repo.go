package store

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"ledgerflow/internal/model"
)

// Client access. Client rows are inserted by the backing application;
// workers only read and flag them.

func (t *Tx) SaveClient(c *model.Client) error {
	return t.db.Save(c).Error
}

func (t *Tx) DeleteClient(id int64) error {
	return t.db.Select("Trades", "Balances", "Transfers", "Executions").
		Delete(&model.Client{ID: id}).Error
}

func (t *Tx) GetClient(id int64) (*model.Client, error) {
	var c model.Client
	err := t.db.Preload("CurrentlyRealized").First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListActiveClients returns every client that should have a running
// worker.
func (t *Tx) ListActiveClients() ([]*model.Client, error) {
	var clients []*model.Client
	err := t.db.Preload("CurrentlyRealized").
		Where("archived = false AND invalid = false").
		Order("id asc").
		Find(&clients).Error
	return clients, err
}

// Trade access.

func (t *Tx) CreateTrade(tr *model.Trade) error {
	return t.db.Create(tr).Error
}

func (t *Tx) SaveTrade(tr *model.Trade) error {
	return t.db.Save(tr).Error
}

func (t *Tx) DeleteTrade(tr *model.Trade) error {
	return t.db.Delete(tr).Error
}

// OpenTrade returns the single open trade on (client, symbol), or nil.
func (t *Tx) OpenTrade(clientID int64, symbol string) (*model.Trade, error) {
	var tr model.Trade
	err := t.db.Where("client_id = ? AND symbol = ? AND open_qty > 0", clientID, symbol).
		First(&tr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *Tx) OpenTrades(clientID int64) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := t.db.Where("client_id = ? AND open_qty > 0", clientID).
		Order("id asc").
		Find(&trades).Error
	return trades, err
}

// TradesTouchedSince returns trades with any execution after the given
// time, newest activity last.
func (t *Tx) TradesTouchedSince(clientID int64, since time.Time) ([]*model.Trade, error) {
	var trades []*model.Trade
	err := t.db.
		Where("client_id = ? AND id IN (?)", clientID,
			t.db.Model(&model.Execution{}).Select("trade_id").
				Where("client_id = ? AND time > ? AND trade_id IS NOT NULL", clientID, since)).
		Order("id asc").
		Find(&trades).Error
	return trades, err
}

// Execution access.

func (t *Tx) CreateExecution(e *model.Execution) error {
	return t.db.Create(e).Error
}

func (t *Tx) SaveExecution(e *model.Execution) error {
	return t.db.Save(e).Error
}

func (t *Tx) ExecutionsSince(clientID int64, since time.Time) ([]*model.Execution, error) {
	var execs []*model.Execution
	err := t.db.Where("client_id = ? AND time > ?", clientID, since).
		Order("time asc, id asc").
		Find(&execs).Error
	return execs, err
}

func (t *Tx) TradeExecutions(tradeID int64) ([]*model.Execution, error) {
	var execs []*model.Execution
	err := t.db.Where("trade_id = ?", tradeID).
		Order("time asc, id asc").
		Find(&execs).Error
	return execs, err
}

// DeleteExecutionsAfter drops executions newer than the cutoff.
// Synthetic TRANSFER executions derive from the transfer ledger rather
// than the exchange fill history and survive rollbacks.
func (t *Tx) DeleteExecutionsAfter(clientID int64, after time.Time) error {
	return t.db.Where("client_id = ? AND time > ? AND type <> ?", clientID, after, model.ExecTransfer).
		Delete(&model.Execution{}).Error
}

// Balance access.

func (t *Tx) CreateBalance(b *model.Balance) error {
	return t.db.Create(b).Error
}

func (t *Tx) CreateBalances(bs []*model.Balance) error {
	if len(bs) == 0 {
		return nil
	}
	return t.db.Create(bs).Error
}

func (t *Tx) SaveBalance(b *model.Balance) error {
	return t.db.Save(b).Error
}

// BalancesAfter returns stored balances with time > after, oldest
// first.
func (t *Tx) BalancesAfter(clientID int64, after time.Time) ([]*model.Balance, error) {
	var bs []*model.Balance
	err := t.db.Where("client_id = ? AND time > ?", clientID, after).
		Order("time asc, id asc").
		Find(&bs).Error
	return bs, err
}

// LatestBalances returns the newest n balances, newest first.
func (t *Tx) LatestBalances(clientID int64, n int) ([]*model.Balance, error) {
	var bs []*model.Balance
	err := t.db.Where("client_id = ?", clientID).
		Order("time desc, id desc").
		Limit(n).
		Find(&bs).Error
	return bs, err
}

// SetCurrentlyRealized persists the balance when new and points the
// client's currently_realized reference at it.
func (t *Tx) SetCurrentlyRealized(c *model.Client, b *model.Balance) error {
	if b.ID == 0 {
		if err := t.CreateBalance(b); err != nil {
			return err
		}
	}
	c.CurrentlyRealizedID = &b.ID
	c.CurrentlyRealized = b
	return t.db.Model(&model.Client{ID: c.ID}).
		UpdateColumn("currently_realized_id", b.ID).Error
}

// Transfer access.

func (t *Tx) CreateTransfer(tr *model.Transfer) error {
	return t.db.Create(tr).Error
}

func (t *Tx) TransfersSince(clientID int64, since time.Time) ([]*model.Transfer, error) {
	var trs []*model.Transfer
	err := t.db.Where("client_id = ? AND time > ?", clientID, since).
		Order("time asc, id asc").
		Find(&trs).Error
	return trs, err
}

// PnlData access.

func (t *Tx) CreatePnl(p *model.PnlData) error {
	return t.db.Create(p).Error
}

func (t *Tx) PnlByID(id int64) (*model.PnlData, error) {
	var p model.PnlData
	err := t.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *Tx) DeletePnlAfter(tradeID int64, after time.Time) error {
	return t.db.Where("trade_id = ? AND time > ?", tradeID, after).
		Delete(&model.PnlData{}).Error
}
