// Package balance keeps the equity history of every running client. A
// slow rotation persists snapshots for all clients; a faster loop
// publishes live equity for streaming clients and watches the rekt
// threshold.
package balance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledgerflow/config"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
	"ledgerflow/internal/recon"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/store"
	"ledgerflow/internal/ticker"
	"ledgerflow/logger"
)

type Service struct {
	cfg      config.BalanceLoopConfig
	accounts config.AccountsConfig
	store    *store.Store
	broker   *messenger.Broker
	manager  *recon.Manager
	tickers  *ticker.Service
	log      *logger.Entry

	mu      sync.Mutex
	running bool
	cursors map[string]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg config.BalanceLoopConfig, accounts config.AccountsConfig, st *store.Store, broker *messenger.Broker, manager *recon.Manager, tickers *ticker.Service) *Service {
	return &Service{
		cfg:      cfg,
		accounts: accounts,
		store:    st,
		broker:   broker,
		manager:  manager,
		tickers:  tickers,
		log:      logger.GetLogger().WithComponent("balance"),
		cursors:  make(map[string]int),
	}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("balance service already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.pollLoop()
	go s.liveLoop()

	s.log.Info("balance service started")
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.log.Info("balance service stopped")
}

// pollLoop rotates over the BASIC fleet so that every client gets one
// persisted snapshot per poll window, never faster than the minimum
// interval. FULL clients are covered by the live loop.
func (s *Service) pollLoop() {
	defer s.wg.Done()
	for {
		interval := s.rotationInterval()
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(interval):
			s.pollNext()
		}
	}
}

// basicPools groups the BASIC clients by exchange. Rate limits are per
// exchange, so each exchange rotates independently.
func basicPools(workers []recon.ActiveWorker) map[string][]recon.ActiveWorker {
	pools := make(map[string][]recon.ActiveWorker)
	for _, w := range workers {
		if w.Client.Type != model.ClientBasic {
			continue
		}
		pools[w.Client.Exchange] = append(pools[w.Client.Exchange], w)
	}
	return pools
}

// rotationFor spreads n clients over the poll window, never faster
// than the minimum interval.
func rotationFor(n int, window, min time.Duration) time.Duration {
	if n == 0 {
		return window
	}
	interval := window / time.Duration(n)
	if interval < min {
		interval = min
	}
	return interval
}

func (s *Service) rotationInterval() time.Duration {
	n := 0
	for _, pool := range basicPools(s.manager.ActiveWorkers()) {
		if len(pool) > n {
			n = len(pool)
		}
	}
	return rotationFor(n, s.cfg.PollWindow, s.cfg.MinInterval)
}

// pollNext advances every exchange's rotation by one client.
func (s *Service) pollNext() {
	for ex, pool := range basicPools(s.manager.ActiveWorkers()) {
		s.mu.Lock()
		i := s.cursors[ex] % len(pool)
		s.cursors[ex]++
		s.mu.Unlock()
		s.pollClient(pool[i])
	}
}

func (s *Service) pollClient(w recon.ActiveWorker) {
	ctx := sched.WithPriority(s.ctx, model.PriorityLow)
	now := time.Now().Truncate(time.Second)

	bal, err := w.Worker.GetBalance(ctx, now, true)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"client_id": w.Client.ID,
		}).Warn("balance poll failed")
		return
	}
	bal.ClientID = w.Client.ID
	bal.Time = now

	if err := s.persistSnapshot(w.Client, bal); err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"client_id": w.Client.ID,
		}).Error("failed to persist balance snapshot")
	}
}

// persistSnapshot writes the snapshot unless it repeats the two newest
// rows, in which case the newest row's timestamp slides forward instead.
// Flat periods collapse to two points per plateau.
func (s *Service) persistSnapshot(client *model.Client, bal *model.Balance) error {
	err := s.store.WithTx(s.ctx, func(tx *store.Tx) error {
		last, err := tx.LatestBalances(client.ID, 2)
		if err != nil {
			return err
		}
		if len(last) == 2 && bal.Equal(last[0]) && bal.Equal(last[1]) {
			last[0].Time = bal.Time
			return tx.SaveBalance(last[0])
		}
		return tx.CreateBalance(bal)
	})
	if err == nil {
		logger.IncrementBalanceWrite()
	}
	return err
}

// liveLoop publishes ephemeral equity for streaming clients, samples
// open-trade pnl from the ticker streams and fires the rekt signal.
func (s *Service) liveLoop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.LiveInterval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			for _, w := range s.manager.ActiveWorkers() {
				if w.Client.Type != model.ClientFull {
					continue
				}
				s.liveTick(w)
			}
		}
	}
}

// liveTick publishes ephemeral equity computed from the realized
// anchor plus the open trades marked to the latest ticks. Nothing is
// fetched from the exchange; a Balance row is persisted only when a
// trade broke out of its pnl envelope.
func (s *Service) liveTick(w recon.ActiveWorker) {
	ctx, cancelTick := context.WithTimeout(s.ctx, s.cfg.LiveInterval)
	defer cancelTick()

	anchor := w.Client.CurrentlyRealized
	if anchor == nil {
		// No fill has anchored the realized balance yet.
		return
	}

	now := time.Now().Truncate(time.Second)
	priceFor := func(symbol string) (decimal.Decimal, bool) {
		p, err := s.tickers.LatestPrice(ctx, w.Client.Exchange, w.Client.Sandbox, symbol)
		if err != nil {
			return decimal.Zero, false
		}
		return p, true
	}

	unrealized, broke, err := w.Engine.SampleOpenTrades(ctx, priceFor)
	if err != nil {
		// An errored snapshot still goes out so consumers can keep
		// their last good value and show the failure.
		s.broker.Publish(messenger.TopicBalanceLive(w.Client.ID), &model.Balance{
			ClientID: w.Client.ID, Time: now, Error: err.Error(),
		})
		return
	}

	bal := liveBalance(w.Client.ID, now, anchor, unrealized)
	s.broker.Publish(messenger.TopicBalanceLive(w.Client.ID), bal)
	s.checkRekt(w.Client, bal)

	if !broke {
		return
	}
	err = s.store.WithTx(s.ctx, func(tx *store.Tx) error {
		return tx.CreateBalance(bal)
	})
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"client_id": w.Client.ID,
		}).Error("failed to persist live balance")
		return
	}
	logger.IncrementBalanceWrite()
}

// liveBalance folds the realized anchor and the marked open pnl into
// one equity snapshot.
func liveBalance(clientID int64, at time.Time, anchor *model.Balance, unrealized decimal.Decimal) *model.Balance {
	return &model.Balance{
		ClientID:        clientID,
		Time:            at,
		Realized:        anchor.Realized,
		Unrealized:      anchor.Realized.Add(unrealized),
		TotalTransfered: anchor.TotalTransfered,
	}
}

// checkRekt fires once when total equity drops to or below the client's
// threshold. The flag stays set until an operator clears it.
func (s *Service) checkRekt(client *model.Client, bal *model.Balance) {
	if client.RektOn != nil {
		return
	}
	threshold := client.RektThreshold
	if threshold.IsZero() && s.accounts.RektThreshold != 0 {
		threshold = decimal.NewFromFloat(s.accounts.RektThreshold)
	}
	if threshold.IsZero() || bal.Total().GreaterThan(threshold) {
		return
	}

	now := time.Now()
	client.RektOn = &now
	err := s.store.WithTx(s.ctx, func(tx *store.Tx) error {
		return tx.SaveClient(client)
	})
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"client_id": client.ID,
		}).Error("failed to persist rekt flag")
		client.RektOn = nil
		return
	}
	s.broker.Publish(messenger.TopicClientRekt(), client)
	s.log.WithFields(logger.Fields{
		"client_id": client.ID,
		"equity":    bal.Total(),
		"threshold": threshold,
	}).Warn("client hit rekt threshold")
}
