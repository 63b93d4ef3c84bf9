// Package store is the persistence layer. All entity writes flow
// through it so the publish-on-write hooks can guarantee that database
// commits precede the corresponding pub/sub events.
package store

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
	"ledgerflow/logger"
)

type Store struct {
	db     *gorm.DB
	broker *messenger.Broker
	log    *logger.Log
}

// Open connects to postgres, runs migrations and returns the store.
func Open(dsn string, broker *messenger.Broker) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, broker: broker, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	if err := s.registerCallbacks(); err != nil {
		return nil, fmt.Errorf("failed to register event hooks: %w", err)
	}

	s.log.WithComponent("store").Info("database opened and migrated")
	return s, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&model.Client{},
		&model.Trade{},
		&model.Execution{},
		&model.Balance{},
		&model.Transfer{},
		&model.PnlData{},
	); err != nil {
		return err
	}

	// Partial index locates the single open trade of (client, symbol)
	// in O(1); AutoMigrate cannot express the predicate.
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_trade_open ON trades (client_id, symbol) WHERE open_qty > 0`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_open_unique ON trades (client_id, symbol) WHERE open_qty > 0`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle for tests.
func (s *Store) DB() *gorm.DB { return s.db }

// publish sends one event through the broker, when one is attached.
func (s *Store) publish(topic string, payload interface{}) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(topic, payload)
	logger.IncrementEventPublished(0)
}

// WithTx runs fn inside a transaction. Events queued by writes inside
// fn are published only after the transaction commits, so downstream
// consumers never observe an event for a row that rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sink := &eventSink{}
	ctx = context.WithValue(ctx, sinkKey{}, sink)
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{store: s, db: db, sink: sink})
	})
	if err != nil {
		return err
	}
	for _, ev := range sink.events {
		s.publish(ev.topic, ev.payload)
	}
	return nil
}

// Live returns an autocommit view. Writes publish their events
// immediately; use WithTx when several writes must commit together.
func (s *Store) Live(ctx context.Context) *Tx {
	return &Tx{store: s, db: s.db.WithContext(ctx)}
}

// Tx is a transactional view of the store.
type Tx struct {
	store *Store
	db    *gorm.DB
	sink  *eventSink
}

type pendingEvent struct {
	topic   string
	payload interface{}
}

type eventSink struct {
	events []pendingEvent
}

func (s *eventSink) add(topic string, payload interface{}) {
	s.events = append(s.events, pendingEvent{topic: topic, payload: payload})
}
