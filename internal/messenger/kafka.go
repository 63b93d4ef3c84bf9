package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"ledgerflow/logger"
)

// CommandTopic is the broker topic the reconciliation core consumes for
// client lifecycle commands. The kafka bridge republishes inbound
// command messages here so in-process and external callers share one
// channel.
const CommandTopic = "command:client"

// Command is a client lifecycle instruction. All commands are
// idempotent.
type Command struct {
	Action   string `json:"action"` // add | edit | delete
	ClientID int64  `json:"id"`
	Archived *bool  `json:"archived,omitempty"`
	Invalid  *bool  `json:"invalid,omitempty"`
}

// BridgeConfig wires the broker to an external kafka cluster.
type BridgeConfig struct {
	Brokers      []string
	EventTopic   string
	CommandTopic string
	GroupID      string
	// MirrorPatterns selects which broker topics are mirrored outward.
	MirrorPatterns []string
}

// Bridge mirrors selected broker events to kafka and feeds external
// commands into the broker's command channel.
type Bridge struct {
	cfg     BridgeConfig
	broker  *Broker
	writer  *kafka.Writer
	reader  *kafka.Reader
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	cancels []func()
	log     *logger.Log
}

func NewBridge(cfg BridgeConfig, broker *Broker) (*Bridge, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	b := &Bridge{
		cfg:    cfg,
		broker: broker,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.EventTopic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	if cfg.CommandTopic != "" {
		b.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			Topic:   cfg.CommandTopic,
			GroupID: cfg.GroupID,
		})
	}
	b.log.WithComponent("kafka_bridge").WithFields(logger.Fields{
		"brokers":     cfg.Brokers,
		"event_topic": cfg.EventTopic,
	}).Debug("kafka bridge initialized")
	return b, nil
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("kafka bridge already running")
	}
	b.running = true
	b.ctx = ctx
	b.mu.Unlock()

	for _, pattern := range b.cfg.MirrorPatterns {
		ch, cancel := b.broker.Subscribe(pattern, 256)
		b.cancels = append(b.cancels, cancel)
		b.wg.Add(1)
		go b.mirror(ch)
	}

	if b.reader != nil {
		b.wg.Add(1)
		go b.consumeCommands()
	}

	b.log.WithComponent("kafka_bridge").Info("kafka bridge started")
	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()

	for _, cancel := range b.cancels {
		cancel()
	}
	b.wg.Wait()

	if err := b.writer.Close(); err != nil {
		b.log.WithComponent("kafka_bridge").WithError(err).Warn("failed to close kafka writer")
	}
	if b.reader != nil {
		if err := b.reader.Close(); err != nil {
			b.log.WithComponent("kafka_bridge").WithError(err).Warn("failed to close kafka reader")
		}
	}
	b.log.WithComponent("kafka_bridge").Info("kafka bridge stopped")
}

func (b *Bridge) mirror(ch <-chan Event) {
	defer b.wg.Done()

	log := b.log.WithComponent("kafka_bridge")
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.WithError(err).Warn("failed to marshal event")
				continue
			}
			if err := b.writer.WriteMessages(b.ctx, kafka.Message{
				Key:   []byte(ev.Topic),
				Value: data,
			}); err != nil {
				if b.ctx.Err() != nil {
					return
				}
				log.WithError(err).WithFields(logger.Fields{"topic": ev.Topic}).Warn("failed to write event to kafka")
			}
		}
	}
}

func (b *Bridge) consumeCommands() {
	defer b.wg.Done()

	log := b.log.WithComponent("kafka_bridge")
	for {
		msg, err := b.reader.FetchMessage(b.ctx)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("failed to fetch command message")
			continue
		}

		var cmd Command
		if err := json.Unmarshal(msg.Value, &cmd); err != nil {
			log.WithError(err).Warn("malformed command message")
		} else {
			b.broker.Publish(CommandTopic, cmd)
		}

		if err := b.reader.CommitMessages(b.ctx, msg); err != nil && b.ctx.Err() == nil {
			log.WithError(err).Warn("failed to commit command offset")
		}
	}
}
