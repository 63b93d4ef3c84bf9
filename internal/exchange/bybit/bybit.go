// Package bybit implements the exchange worker for Bybit v5 unified
// accounts, category linear.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"ledgerflow/internal/exchange"
	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/ticker"
	"ledgerflow/logger"
)

const (
	exchangeName = "bybit"
	category     = "linear"
	pageLimit    = 100
)

func init() {
	exchange.Register(exchangeName, New)
	ticker.RegisterFeed(exchangeName, feed{})
}

type Worker struct {
	client  *model.Client
	api     *bybit.Client
	creds   exchange.Credentials
	sandbox bool
	log     *logger.Entry

	mu      sync.Mutex
	handler exchange.ExecutionHandler

	streamCtx    context.Context
	streamCancel context.CancelFunc
	wg           sync.WaitGroup
}

func New(client *model.Client, creds exchange.Credentials, scheduler *sched.Scheduler, opts exchange.Options) (exchange.Worker, error) {
	base := bybit.MAINNET
	if opts.Sandbox {
		base = bybit.TESTNET
	}
	api := bybit.NewBybitHttpClient(creds.APIKey, creds.Secret, bybit.WithBaseURL(base))
	api.HTTPClient = &http.Client{Transport: scheduler.Transport()}

	return &Worker{
		client:  client,
		api:     api,
		creds:   creds,
		sandbox: opts.Sandbox,
		log: logger.GetLogger().WithComponent("bybit_worker").WithFields(logger.Fields{
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

// call runs one request through the sdk service and decodes the result
// envelope into out.
func (w *Worker) call(ctx context.Context, params map[string]interface{}, out interface{},
	do func(svc *bybit.BybitClientRequest, ctx context.Context) (*bybit.ServerResponse, error)) error {

	resp, err := do(w.api.NewUtaBybitServiceWithParams(params), ctx)
	if err != nil {
		return err
	}
	if resp.RetCode != 0 {
		return classifyRetCode(resp.RetCode, resp.RetMsg)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type walletResult struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			UnrealisedPnl string `json:"unrealisedPnl"`
		} `json:"coin"`
	} `json:"list"`
}

func (w *Worker) GetBalance(ctx context.Context, at time.Time, upnl bool) (*model.Balance, error) {
	var res walletResult
	err := w.call(sched.WithWeight(ctx, 1), map[string]interface{}{
		"accountType": "UNIFIED",
	}, &res, func(svc *bybit.BybitClientRequest, ctx context.Context) (*bybit.ServerResponse, error) {
		return svc.GetAccountWallet(ctx)
	})
	if err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("empty wallet response")
	}

	bal := &model.Balance{ClientID: w.client.ID, Time: at}
	for _, c := range res.List[0].Coin {
		wallet := dec(c.WalletBalance)
		unreal := dec(c.UnrealisedPnl)
		if wallet.IsZero() && unreal.IsZero() {
			continue
		}
		if strings.EqualFold(c.Coin, w.client.Currency) {
			bal.Realized = wallet
			bal.Unrealized = wallet
			if upnl {
				bal.Unrealized = wallet.Add(unreal)
			}
			continue
		}
		extra := model.BalanceCurrency{
			Currency:   c.Coin,
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

type executionResult struct {
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecType  string `json:"execType"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		ExecFee   string `json:"execFee"`
		ExecTime  string `json:"execTime"`
	} `json:"list"`
}

func (w *Worker) GetExecutions(ctx context.Context, since time.Time) (*exchange.ExecutionBatch, error) {
	batch := &exchange.ExecutionBatch{BySymbol: make(map[string][]*model.Execution)}

	cursor := ""
	for {
		params := map[string]interface{}{
			"category": category,
			"limit":    pageLimit,
		}
		if !since.IsZero() {
			params["startTime"] = since.UnixMilli() + 1
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var res executionResult
		err := w.call(sched.WithWeight(ctx, 1), params, &res,
			func(svc *bybit.BybitClientRequest, ctx context.Context) (*bybit.ServerResponse, error) {
				return svc.GetTradeHistory(ctx)
			})
		if err != nil {
			return nil, err
		}

		for _, row := range res.List {
			e := w.parseExecution(row.Symbol, row.Side, row.ExecType, row.ExecQty, row.ExecPrice, row.ExecFee, row.ExecTime)
			if e == nil {
				continue
			}
			batch.BySymbol[e.Symbol] = append(batch.BySymbol[e.Symbol], e)
			batch.All = append(batch.All, e)
		}

		if res.NextPageCursor == "" || len(res.List) < pageLimit {
			break
		}
		cursor = res.NextPageCursor
	}

	transfers, err := w.transfers(ctx, since)
	if err != nil {
		return nil, err
	}
	batch.Transfers = transfers

	for sym := range batch.BySymbol {
		exchange.SortExecutions(batch.BySymbol[sym])
	}
	exchange.SortExecutions(batch.All)
	return batch, nil
}

func (w *Worker) parseExecution(symbol, side, execType, qty, price, fee, execTime string) *model.Execution {
	ts, err := strconv.ParseInt(execTime, 10, 64)
	if err != nil {
		return nil
	}

	s := model.Buy
	if strings.EqualFold(side, "Sell") {
		s = model.Sell
	}

	switch execType {
	case "Trade":
		q := dec(qty)
		if q.IsZero() {
			return nil
		}
		return &model.Execution{
			ClientID:   w.client.ID,
			Symbol:     symbol,
			Side:       s,
			Type:       model.ExecTrade,
			Qty:        q,
			Price:      dec(price),
			Commission: dec(fee),
			Time:       time.UnixMilli(ts).UTC(),
		}
	case "Funding":
		// The fee field carries the funding payment, positive when paid.
		return &model.Execution{
			ClientID:    w.client.ID,
			Symbol:      symbol,
			Side:        s,
			Type:        model.ExecFunding,
			RealizedPnl: decimal.NewNullDecimal(dec(fee).Neg()),
			Time:        time.UnixMilli(ts).UTC(),
		}
	case "BustTrade":
		q := dec(qty)
		if q.IsZero() {
			return nil
		}
		return &model.Execution{
			ClientID:   w.client.ID,
			Symbol:     symbol,
			Side:       s,
			Type:       model.ExecLiquidation,
			Qty:        q,
			Price:      dec(price),
			Commission: dec(fee),
			Time:       time.UnixMilli(ts).UTC(),
		}
	}
	return nil
}

type transactionResult struct {
	NextPageCursor string `json:"nextPageCursor"`
	List           []struct {
		Type            string `json:"type"`
		Currency        string `json:"currency"`
		Change          string `json:"change"`
		TransactionTime string `json:"transactionTime"`
	} `json:"list"`
}

func (w *Worker) transfers(ctx context.Context, since time.Time) ([]*model.Transfer, error) {
	raw, err := w.GetTransfers(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Transfer, 0, len(raw))
	for _, rt := range raw {
		out = append(out, &model.Transfer{
			ClientID: w.client.ID,
			Amount:   rt.Amount,
			Coin:     rt.Coin,
			Time:     rt.Time,
		})
	}
	return out, nil
}

func (w *Worker) GetTransfers(ctx context.Context, since time.Time) ([]exchange.RawTransfer, error) {
	var out []exchange.RawTransfer

	cursor := ""
	for {
		params := map[string]interface{}{
			"accountType": "UNIFIED",
			"limit":       pageLimit,
		}
		if !since.IsZero() {
			params["startTime"] = since.UnixMilli() + 1
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var res transactionResult
		err := w.call(sched.WithWeight(ctx, 1), params, &res,
			func(svc *bybit.BybitClientRequest, ctx context.Context) (*bybit.ServerResponse, error) {
				return svc.GetTransactionLog(ctx)
			})
		if err != nil {
			return nil, err
		}

		for _, row := range res.List {
			if row.Type != "TRANSFER_IN" && row.Type != "TRANSFER_OUT" {
				continue
			}
			ts, err := strconv.ParseInt(row.TransactionTime, 10, 64)
			if err != nil {
				continue
			}
			out = append(out, exchange.RawTransfer{
				Coin:   row.Currency,
				Amount: dec(row.Change),
				Time:   time.UnixMilli(ts).UTC(),
			})
		}

		if res.NextPageCursor == "" || len(res.List) < pageLimit {
			break
		}
		cursor = res.NextPageCursor
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

type klineResult struct {
	List [][]string `json:"list"`
}

func (w *Worker) GetOHLC(ctx context.Context, symbol string, since, to time.Time, resolution time.Duration) ([]model.OHLC, error) {
	interval, ok := klineInterval(resolution)
	if !ok {
		return nil, fmt.Errorf("unsupported kline resolution %s", resolution)
	}

	var res klineResult
	err := w.call(sched.WithCache(sched.WithWeight(ctx, 1)), map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"interval": interval,
		"start":    since.UnixMilli(),
		"end":      to.UnixMilli(),
		"limit":    pageLimit,
	}, &res, func(svc *bybit.BybitClientRequest, ctx context.Context) (*bybit.ServerResponse, error) {
		return svc.GetMarketKline(ctx)
	})
	if err != nil {
		return nil, err
	}

	// Bybit returns candles newest first.
	out := make([]model.OHLC, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		ts, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, model.OHLC{
			Time:   time.UnixMilli(ts).UTC(),
			Open:   dec(row[1]),
			High:   dec(row[2]),
			Low:    dec(row[3]),
			Close:  dec(row[4]),
			Volume: dec(row[5]),
		})
	}
	return out, nil
}

var klineIntervals = map[time.Duration]string{
	time.Minute:      "1",
	3 * time.Minute:  "3",
	5 * time.Minute:  "5",
	15 * time.Minute: "15",
	30 * time.Minute: "30",
	time.Hour:        "60",
	2 * time.Hour:    "120",
	4 * time.Hour:    "240",
	6 * time.Hour:    "360",
	12 * time.Hour:   "720",
	24 * time.Hour:   "D",
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

// classifyRetCode maps bybit api codes onto the shared error classes.
func classifyRetCode(code int, msg string) error {
	switch code {
	case 10003, 10004, 33004:
		return fmt.Errorf("%w: %s", exchange.ErrInvalidClient, msg)
	case 10006, 10018:
		return &exchange.RateLimitError{RetryAt: time.Now().Add(time.Minute)}
	case 10016:
		// Bybit answers 10016 during maintenance windows.
		return fmt.Errorf("%w: %s", exchange.ErrExchangeMaintenance, msg)
	}
	return fmt.Errorf("bybit api error %d: %s", code, msg)
}
