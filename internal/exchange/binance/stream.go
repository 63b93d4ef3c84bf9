package binance

import (
	"context"
	"math/rand"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"ledgerflow/internal/model"
	"ledgerflow/logger"
)

const keepaliveInterval = 25 * time.Minute

// Connect opens the user data stream and keeps it alive until
// Disconnect. Each (re)connection fetches a fresh listen key.
func (w *Worker) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.streamCancel != nil {
		w.mu.Unlock()
		return nil
	}
	w.streamCtx, w.streamCancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.streamLoop()
	return nil
}

func (w *Worker) Disconnect() {
	w.mu.Lock()
	cancel := w.streamCancel
	w.streamCancel = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

func (w *Worker) streamLoop() {
	defer w.wg.Done()

	backoff := time.Second
	for {
		if w.streamCtx.Err() != nil {
			return
		}

		err := w.streamOnce()
		if w.streamCtx.Err() != nil {
			return
		}
		if err != nil {
			w.log.WithError(err).Warn("user stream dropped, reconnecting")
		}
		logger.IncrementWsReconnect("binance_user")

		// Jittered backoff keeps a fleet of workers from stampeding the
		// endpoint after an outage.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-w.streamCtx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func (w *Worker) streamOnce() error {
	listenKey, err := w.api.NewStartUserStreamService().Do(w.streamCtx)
	if err != nil {
		return wrapErr(err)
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, w.onUserData, func(err error) {
		w.log.WithError(err).Warn("user stream read error")
	})
	if err != nil {
		return err
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-w.streamCtx.Done():
			close(stopC)
			<-doneC
			return nil
		case <-doneC:
			return nil
		case <-keepalive.C:
			if err := w.api.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(w.streamCtx); err != nil {
				w.log.WithError(err).Warn("listen key keepalive failed")
				close(stopC)
				<-doneC
				return wrapErr(err)
			}
		}
	}
}

// onUserData turns order trade updates into executions. Only frames
// that actually moved quantity are forwarded.
func (w *Worker) onUserData(ev *futures.WsUserDataEvent) {
	if ev.Event != futures.UserDataEventTypeOrderTradeUpdate {
		return
	}
	ou := ev.OrderTradeUpdate

	qty := dec(ou.LastFilledQty)
	if qty.IsZero() {
		return
	}

	side := model.Buy
	if ou.Side == futures.SideTypeSell {
		side = model.Sell
	}
	e := &model.Execution{
		ClientID:   w.client.ID,
		Symbol:     ou.Symbol,
		Side:       side,
		Type:       model.ExecTrade,
		Qty:        qty,
		Price:      dec(ou.LastFilledPrice),
		Commission: dec(ou.Commission),
		Time:       msTime(ou.TradeTime),
	}
	if pnl := dec(ou.RealizedPnL); !pnl.IsZero() {
		e.RealizedPnl = decimal.NewNullDecimal(pnl)
	}
	w.emit(e, true)
}
