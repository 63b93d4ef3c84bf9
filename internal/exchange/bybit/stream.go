package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/gorilla/websocket"

	"ledgerflow/internal/exchange"
	"ledgerflow/logger"
)

const (
	privateURL        = "wss://stream.bybit.com/v5/private"
	privateTestnetURL = "wss://stream-testnet.bybit.com/v5/private"
	pingInterval      = 20 * time.Second
)

// Connect opens the private execution stream and keeps it alive until
// Disconnect.
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
			w.log.WithError(err).Warn("private stream dropped, reconnecting")
		}
		logger.IncrementWsReconnect("bybit_private")

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
	url := privateURL
	if w.sandbox {
		url = privateTestnetURL
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(w.streamCtx, url, nil)
	if err != nil {
		if resp != nil {
			// A rejected handshake carries the HTTP status; classify it
			// so maintenance and throttling surface as themselves.
			return fmt.Errorf("dial %s: %w", url, exchange.ClassifyStatus(resp.StatusCode, nil))
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	if err := w.authenticate(conn); err != nil {
		return err
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"op":   "subscribe",
		"args": []string{"execution"},
	}); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-w.streamCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		w.onPrivateFrame(msg)
	}
}

// authenticate signs "GET/realtime{expires}" with the api secret, the
// v5 private stream handshake.
func (w *Worker) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	sig := exchange.SignHMAC(w.creds.Secret, fmt.Sprintf("GET/realtime%d", expires))
	return conn.WriteJSON(map[string]interface{}{
		"op":   "auth",
		"args": []interface{}{w.creds.APIKey, expires, sig},
	})
}

type privateFrame struct {
	Op      string `json:"op"`
	Topic   string `json:"topic"`
	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg"`
	Data    []struct {
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecType  string `json:"execType"`
		ExecQty   string `json:"execQty"`
		ExecPrice string `json:"execPrice"`
		ExecFee   string `json:"execFee"`
		ExecTime  string `json:"execTime"`
	} `json:"data"`
}

func (w *Worker) onPrivateFrame(msg []byte) {
	var f privateFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return
	}
	if f.Success != nil && !*f.Success {
		w.log.WithFields(logger.Fields{"op": f.Op, "msg": f.RetMsg}).Warn("private stream op rejected")
		return
	}
	if f.Topic != "execution" {
		return
	}
	for _, row := range f.Data {
		e := w.parseExecution(row.Symbol, row.Side, row.ExecType, row.ExecQty, row.ExecPrice, row.ExecFee, row.ExecTime)
		if e != nil {
			w.emit(e, true)
		}
	}
}
