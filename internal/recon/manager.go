package recon

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ledgerflow/config"
	"ledgerflow/internal/exchange"
	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
	"ledgerflow/internal/sched"
	"ledgerflow/internal/secret"
	"ledgerflow/internal/store"
	"ledgerflow/logger"
)

// runner is one client's worker plus its reconciliation engine.
type runner struct {
	engine *Engine
	worker exchange.Worker
}

// Manager owns the worker fleet. It starts a runner for every active
// client at boot and reacts to lifecycle commands arriving on the
// command topic. All commands are idempotent.
type Manager struct {
	cfg    *config.Config
	store  *store.Store
	broker *messenger.Broker
	sched  *sched.Registry
	box    *secret.Box
	log    *logger.Entry

	mu      sync.Mutex
	running bool
	runners map[int64]*runner

	ctx       context.Context
	cancel    context.CancelFunc
	cmdCancel func()
	wg        sync.WaitGroup
}

func NewManager(cfg *config.Config, st *store.Store, broker *messenger.Broker, registry *sched.Registry, box *secret.Box) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		broker:  broker,
		sched:   registry,
		box:     box,
		log:     logger.GetLogger().WithComponent("recon_manager"),
		runners: make(map[int64]*runner),
	}
}

// Start spins up a runner per active client and begins consuming
// lifecycle commands.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager already running")
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	clients, err := m.store.Live(m.ctx).ListActiveClients()
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}
	for _, c := range clients {
		if err := m.startClient(c); err != nil {
			m.log.WithError(err).WithFields(logger.Fields{
				"client_id": c.ID,
			}).Error("failed to start client worker")
		}
	}

	ch, cancel := m.broker.Subscribe(messenger.CommandTopic, m.cfg.Messenger.SubscriberBuffer)
	m.cmdCancel = cancel
	m.wg.Add(1)
	go m.commandLoop(ch)

	m.log.WithFields(logger.Fields{"clients": len(clients)}).Info("reconciliation manager started")
	return nil
}

// Stop shuts every runner down and stops command consumption.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	if m.cmdCancel != nil {
		m.cmdCancel()
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	ids := make([]int64, 0, len(m.runners))
	for id := range m.runners {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopClient(id)
	}
	m.log.Info("reconciliation manager stopped")
}

// ActiveWorker pairs a running client with its worker and engine.
type ActiveWorker struct {
	Client *model.Client
	Worker exchange.Worker
	Engine *Engine
}

// ActiveWorkers snapshots the running fleet, ordered by client id.
func (m *Manager) ActiveWorkers() []ActiveWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveWorker, 0, len(m.runners))
	for _, r := range m.runners {
		out = append(out, ActiveWorker{Client: r.engine.client, Worker: r.worker, Engine: r.engine})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Client.ID < out[j].Client.ID })
	return out
}

// Running reports whether the client currently has a live runner.
func (m *Manager) Running(clientID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.runners[clientID]
	return ok
}

func (m *Manager) commandLoop(ch <-chan messenger.Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			var cmd messenger.Command
			if err := ev.Decode(&cmd); err != nil {
				m.log.WithError(err).Warn("malformed client command")
				continue
			}
			m.handleCommand(cmd)
		}
	}
}

func (m *Manager) handleCommand(cmd messenger.Command) {
	log := m.log.WithFields(logger.Fields{
		"action":    cmd.Action,
		"client_id": cmd.ClientID,
	})

	switch cmd.Action {
	case "add", "edit":
		client, err := m.store.Live(m.ctx).GetClient(cmd.ClientID)
		if err != nil {
			log.WithError(err).Error("failed to load client for command")
			return
		}
		if client == nil {
			log.Warn("command for unknown client")
			return
		}

		changed := false
		if cmd.Archived != nil && client.Archived != *cmd.Archived {
			client.Archived = *cmd.Archived
			changed = true
		}
		if cmd.Invalid != nil && client.Invalid != *cmd.Invalid {
			client.Invalid = *cmd.Invalid
			changed = true
		}
		if changed {
			if err := m.store.WithTx(m.ctx, func(tx *store.Tx) error {
				return tx.SaveClient(client)
			}); err != nil {
				log.WithError(err).Error("failed to persist client flags")
				return
			}
		}

		// Edits restart the runner so new credentials or flags take
		// effect.
		m.stopClient(client.ID)
		if client.Archived || client.Invalid {
			log.Info("client inactive, worker stopped")
			return
		}
		if err := m.startClient(client); err != nil {
			log.WithError(err).Error("failed to start client worker")
		}

	case "delete":
		m.stopClient(cmd.ClientID)
		if err := m.store.WithTx(m.ctx, func(tx *store.Tx) error {
			return tx.DeleteClient(cmd.ClientID)
		}); err != nil {
			log.WithError(err).Error("failed to delete client")
			return
		}
		log.Info("client deleted")

	default:
		log.Warn("unknown client command action")
	}
}

func (m *Manager) startClient(c *model.Client) error {
	m.mu.Lock()
	if _, ok := m.runners[c.ID]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	creds, err := m.decryptCredentials(c)
	if err != nil {
		return fmt.Errorf("failed to decrypt credentials: %w", err)
	}

	worker, err := exchange.New(c, creds, m.sched.Get(c.Exchange), exchange.Options{
		Sandbox: c.Sandbox,
	})
	if err != nil {
		return err
	}

	engine := NewEngine(c, worker, m.store, m.cfg.Recon)
	worker.SetExecutionHandler(engine.OnExecution)

	if err := engine.Start(m.ctx); err != nil {
		return err
	}
	if c.Type == model.ClientFull {
		if err := worker.Connect(m.ctx); err != nil {
			engine.Stop()
			return fmt.Errorf("failed to connect live stream: %w", err)
		}
	}

	m.mu.Lock()
	m.runners[c.ID] = &runner{engine: engine, worker: worker}
	m.mu.Unlock()

	m.log.WithFields(logger.Fields{
		"client_id": c.ID,
		"exchange":  c.Exchange,
		"type":      c.Type,
	}).Info("client worker started")
	return nil
}

func (m *Manager) stopClient(id int64) {
	m.mu.Lock()
	r, ok := m.runners[id]
	if ok {
		delete(m.runners, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	r.worker.Disconnect()
	r.engine.Stop()
	m.log.WithFields(logger.Fields{"client_id": id}).Info("client worker stopped")
}

func (m *Manager) decryptCredentials(c *model.Client) (exchange.Credentials, error) {
	key, err := m.box.Open(c.ApiKeyEnc)
	if err != nil {
		return exchange.Credentials{}, err
	}
	sec, err := m.box.Open(c.SecretEnc)
	if err != nil {
		return exchange.Credentials{}, err
	}
	return exchange.Credentials{APIKey: key, Secret: sec, Subaccount: c.Subaccount}, nil
}
