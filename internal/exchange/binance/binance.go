// Package binance implements the exchange worker for Binance USD-M
// futures accounts.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/ticker"
	"ledgerflow/logger"
)

const (
	exchangeName = "binance"
	pageLimit    = 1000
)

// Income ledger entry types as the futures API reports them. The sdk
// surfaces IncomeHistory.IncomeType as a bare string.
const (
	incomeRealizedPnl = "REALIZED_PNL"
	incomeCommission  = "COMMISSION"
	incomeFundingFee  = "FUNDING_FEE"
	incomeTransfer    = "TRANSFER"
)

func init() {
	exchange.Register(exchangeName, New)
	ticker.RegisterFeed(exchangeName, feed{})
}

type Worker struct {
	client *model.Client
	api    *futures.Client
	log    *logger.Entry

	mu      sync.Mutex
	handler exchange.ExecutionHandler

	streamCtx    context.Context
	streamCancel context.CancelFunc
	wg           sync.WaitGroup
}

func New(client *model.Client, creds exchange.Credentials, scheduler *sched.Scheduler, opts exchange.Options) (exchange.Worker, error) {
	api := futures.NewClient(creds.APIKey, creds.Secret)
	api.HTTPClient = &http.Client{Transport: scheduler.Transport()}
	if opts.Sandbox {
		// The sdk routes both REST and the user stream off this flag.
		futures.UseTestnet = true
	}

	return &Worker{
		client: client,
		api:    api,
		log: logger.GetLogger().WithComponent("binance_worker").WithFields(logger.Fields{
			"client_id": client.ID,
		}),
	}, nil
}

func (w *Worker) Exchange() string            { return exchangeName }
func (w *Worker) RequiredExtraArgs() []string { return nil }
func (w *Worker) SupportsExtendedData() bool  { return true }

func (w *Worker) SetExecutionHandler(h exchange.ExecutionHandler) {
	w.mu.Lock()
	w.handler = h
	w.mu.Unlock()
}

func (w *Worker) emit(e *model.Execution, realtime bool) {
	w.mu.Lock()
	h := w.handler
	w.mu.Unlock()
	if h != nil {
		h(e, realtime)
	}
}

// GetBalance maps the futures account snapshot into the account
// currency, listing non-base assets as extra currencies.
func (w *Worker) GetBalance(ctx context.Context, at time.Time, upnl bool) (*model.Balance, error) {
	acct, err := w.api.NewGetAccountService().Do(sched.WithWeight(ctx, 5))
	if err != nil {
		return nil, wrapErr(err)
	}

	bal := &model.Balance{ClientID: w.client.ID, Time: at}
	for _, asset := range acct.Assets {
		wallet := dec(asset.WalletBalance)
		unreal := dec(asset.UnrealizedProfit)
		if wallet.IsZero() && unreal.IsZero() {
			continue
		}
		if strings.EqualFold(asset.Asset, w.client.Currency) {
			bal.Realized = wallet
			bal.Unrealized = wallet
			if upnl {
				bal.Unrealized = wallet.Add(unreal)
			}
			continue
		}
		extra := model.BalanceCurrency{
			Currency:   asset.Asset,
			Realized:   wallet,
			Unrealized: wallet,
		}
		if upnl {
			extra.Unrealized = wallet.Add(unreal)
		}
		bal.ExtraCurrencies = append(bal.ExtraCurrencies, extra)
	}
	return bal, nil
}

// GetExecutions reconstructs the full fill history after since. The
// income ledger names the symbols that traded, then each symbol's fills
// are pulled, funding fees become FUNDING executions and TRANSFER
// income becomes the transfer list.
func (w *Worker) GetExecutions(ctx context.Context, since time.Time) (*exchange.ExecutionBatch, error) {
	incomes, err := w.incomeHistory(ctx, since)
	if err != nil {
		return nil, err
	}

	batch := &exchange.ExecutionBatch{BySymbol: make(map[string][]*model.Execution)}
	symbols := w.collectIncome(batch, incomes)

	for sym := range symbols {
		fills, err := w.symbolTrades(ctx, sym, since)
		if err != nil {
			return nil, err
		}
		batch.BySymbol[sym] = append(batch.BySymbol[sym], fills...)
		batch.All = append(batch.All, fills...)
	}

	for sym := range batch.BySymbol {
		exchange.SortExecutions(batch.BySymbol[sym])
	}
	exchange.SortExecutions(batch.All)
	return batch, nil
}

// collectIncome folds the income ledger into the batch: pnl and
// commission rows name the symbols that traded, funding fees become
// FUNDING executions and transfers land on the transfer list. Other
// income kinds (bonuses, rebates) are ignored.
func (w *Worker) collectIncome(batch *exchange.ExecutionBatch, incomes []*futures.IncomeHistory) map[string]bool {
	symbols := map[string]bool{}
	for _, in := range incomes {
		switch in.IncomeType {
		case incomeRealizedPnl, incomeCommission:
			if in.Symbol != "" {
				symbols[in.Symbol] = true
			}
		case incomeFundingFee:
			e := &model.Execution{
				ClientID:    w.client.ID,
				Symbol:      in.Symbol,
				Side:        model.Buy,
				Type:        model.ExecFunding,
				RealizedPnl: decimal.NewNullDecimal(dec(in.Income)),
				Time:        msTime(in.Time),
			}
			batch.BySymbol[in.Symbol] = append(batch.BySymbol[in.Symbol], e)
			batch.All = append(batch.All, e)
		case incomeTransfer:
			batch.Transfers = append(batch.Transfers, &model.Transfer{
				ClientID: w.client.ID,
				Amount:   dec(in.Income),
				Coin:     in.Asset,
				Time:     msTime(in.Time),
			})
		}
	}
	return symbols
}

func (w *Worker) incomeHistory(ctx context.Context, since time.Time) ([]*futures.IncomeHistory, error) {
	ctx = sched.WithWeight(ctx, 30)
	var all []*futures.IncomeHistory
	cursor := since.UnixMilli()
	for {
		svc := w.api.NewGetIncomeHistoryService().Limit(pageLimit)
		if cursor > 0 {
			svc = svc.StartTime(cursor + 1)
		}
		page, err := svc.Do(ctx)
		if err != nil {
			return nil, wrapErr(err)
		}
		all = append(all, page...)
		if len(page) < pageLimit {
			return all, nil
		}
		cursor = page[len(page)-1].Time
	}
}

func (w *Worker) symbolTrades(ctx context.Context, symbol string, since time.Time) ([]*model.Execution, error) {
	ctx = sched.WithWeight(ctx, 5)
	var out []*model.Execution
	var fromID int64
	start := since.UnixMilli() + 1
	for {
		svc := w.api.NewListAccountTradeService().Symbol(symbol).Limit(pageLimit)
		if fromID > 0 {
			svc = svc.FromID(fromID)
		} else if start > 1 {
			svc = svc.StartTime(start)
		}
		page, err := svc.Do(ctx)
		if err != nil {
			return nil, wrapErr(err)
		}
		for _, tr := range page {
			side := model.Buy
			if tr.Side == futures.SideTypeSell {
				side = model.Sell
			}
			e := &model.Execution{
				ClientID:   w.client.ID,
				Symbol:     tr.Symbol,
				Side:       side,
				Type:       model.ExecTrade,
				Qty:        dec(tr.Quantity),
				Price:      dec(tr.Price),
				Commission: dec(tr.Commission),
				Time:       msTime(tr.Time),
			}
			if pnl := dec(tr.RealizedPnl); !pnl.IsZero() {
				e.RealizedPnl = decimal.NewNullDecimal(pnl)
			}
			out = append(out, e)
		}
		if len(page) < pageLimit {
			return out, nil
		}
		fromID = page[len(page)-1].ID + 1
	}
}

func (w *Worker) GetTransfers(ctx context.Context, since time.Time) ([]exchange.RawTransfer, error) {
	incomes, err := w.incomeHistory(ctx, since)
	if err != nil {
		return nil, err
	}
	var out []exchange.RawTransfer
	for _, in := range incomes {
		if in.IncomeType != incomeTransfer {
			continue
		}
		out = append(out, exchange.RawTransfer{
			Coin:   in.Asset,
			Amount: dec(in.Income),
			Time:   msTime(in.Time),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (w *Worker) GetOHLC(ctx context.Context, symbol string, since, to time.Time, resolution time.Duration) ([]model.OHLC, error) {
	interval, ok := klineInterval(resolution)
	if !ok {
		return nil, fmt.Errorf("unsupported kline resolution %s", resolution)
	}
	klines, err := w.api.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(since.UnixMilli()).
		EndTime(to.UnixMilli()).
		Limit(pageLimit).
		Do(sched.WithCache(sched.WithWeight(ctx, 5)))
	if err != nil {
		return nil, wrapErr(err)
	}

	out := make([]model.OHLC, 0, len(klines))
	for _, k := range klines {
		out = append(out, model.OHLC{
			Time:   msTime(k.OpenTime),
			Open:   dec(k.Open),
			High:   dec(k.High),
			Low:    dec(k.Low),
			Close:  dec(k.Close),
			Volume: dec(k.Volume),
		})
	}
	return out, nil
}

var klineIntervals = map[time.Duration]string{
	time.Minute:      "1m",
	3 * time.Minute:  "3m",
	5 * time.Minute:  "5m",
	15 * time.Minute: "15m",
	30 * time.Minute: "30m",
	time.Hour:        "1h",
	2 * time.Hour:    "2h",
	4 * time.Hour:    "4h",
	6 * time.Hour:    "6h",
	12 * time.Hour:   "12h",
	24 * time.Hour:   "1d",
}

func klineInterval(resolution time.Duration) (string, bool) {
	s, ok := klineIntervals[resolution]
	return s, ok
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func msTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// wrapErr maps sdk errors onto the shared worker error classes.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -2014, -2015, -1022:
			return fmt.Errorf("%w: %s", exchange.ErrInvalidClient, apiErr.Message)
		case -1003:
			return &exchange.RateLimitError{RetryAt: time.Now().Add(time.Minute)}
		}
	}
	return err
}
