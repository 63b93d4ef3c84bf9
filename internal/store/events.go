package store

import (
	"gorm.io/gorm"

	"ledgerflow/internal/messenger"
	"ledgerflow/internal/model"
)

type sinkKey struct{}

// registerCallbacks installs the mapper hooks that turn ORM writes into
// pub/sub events. Inside WithTx the events land in the transaction's
// sink and are flushed after commit; autocommit writes publish right
// away.
func (s *Store) registerCallbacks() error {
	if err := s.db.Callback().Create().After("gorm:create").Register("ledgerflow:publish_create", s.hook("create")); err != nil {
		return err
	}
	if err := s.db.Callback().Update().After("gorm:update").Register("ledgerflow:publish_update", s.hook("update")); err != nil {
		return err
	}
	return s.db.Callback().Delete().After("gorm:delete").Register("ledgerflow:publish_delete", s.hook("delete"))
}

func (s *Store) hook(op string) func(*gorm.DB) {
	return func(tx *gorm.DB) {
		if tx.Error != nil || tx.Statement == nil {
			return
		}
		evs := eventsFor(op, tx.Statement.Dest)
		if len(evs) == 0 {
			return
		}
		if sink, ok := tx.Statement.Context.Value(sinkKey{}).(*eventSink); ok && sink != nil {
			for _, e := range evs {
				sink.add(e.topic, e.payload)
			}
			return
		}
		for _, e := range evs {
			s.publish(e.topic, e.payload)
		}
	}
}

func eventsFor(op string, dest interface{}) []pendingEvent {
	switch v := dest.(type) {
	case *model.Client:
		switch op {
		case "create":
			return []pendingEvent{{messenger.TopicClientNew(), v}}
		case "update":
			return []pendingEvent{{messenger.TopicClientUpdate(), v}}
		case "delete":
			return []pendingEvent{{messenger.TopicClientDelete(), map[string]int64{"id": v.ID}}}
		}
	case *model.Trade:
		switch op {
		case "create":
			return []pendingEvent{{messenger.TopicTradeNew(v.ClientID), v}}
		case "update":
			evs := []pendingEvent{{messenger.TopicTradeUpdate(v.ClientID), v}}
			if v.Finished() {
				evs = append(evs, pendingEvent{messenger.TopicTradeFinished(v.ClientID), v})
			}
			return evs
		}
	case *model.Execution:
		if op == "create" {
			return []pendingEvent{{messenger.TopicExecutionNew(v.ClientID), v}}
		}
	case []*model.Execution:
		if op == "create" {
			evs := make([]pendingEvent, 0, len(v))
			for _, e := range v {
				evs = append(evs, pendingEvent{messenger.TopicExecutionNew(e.ClientID), e})
			}
			return evs
		}
	case *model.Balance:
		if op == "create" {
			return []pendingEvent{{messenger.TopicBalanceNew(v.ClientID), v}}
		}
	case []*model.Balance:
		if op == "create" {
			evs := make([]pendingEvent, 0, len(v))
			for _, b := range v {
				evs = append(evs, pendingEvent{messenger.TopicBalanceNew(b.ClientID), b})
			}
			return evs
		}
	}
	return nil
}
