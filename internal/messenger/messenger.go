package messenger

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	"ledgerflow/logger"
)

// Event is one published message. Payload is the JSON-serialised model
// view published on the topic.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

type subscriber struct {
	pattern []string
	ch      chan Event
	closed  bool
}

// Broker is an in-process pub/sub hub with hierarchical ':'-separated
// topic names. Subscribers may use '*' as a wildcard for any single
// segment. Fanout never blocks the publisher: a subscriber whose buffer
// is full misses the event and the drop is counted, mirroring the raw
// channel semantics used elsewhere in the pipeline.
type Broker struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	log     *logger.Log
	dropped int64
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*subscriber]struct{}),
		log:  logger.GetLogger(),
	}
}

// Subscribe registers interest in every topic matching pattern. The
// returned cancel func detaches the subscriber and closes the channel.
func (b *Broker) Subscribe(pattern string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		pattern: strings.Split(pattern, ":"),
		ch:      make(chan Event, buffer),
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			sub.closed = true
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish serialises payload as JSON and fans it out to every matching
// subscriber.
func (b *Broker) Publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.WithComponent("messenger").WithError(err).WithFields(logger.Fields{
			"topic": topic,
		}).Error("failed to marshal payload")
		return
	}
	b.PublishRaw(topic, data)
}

// PublishRaw fans out an already-serialised payload.
func (b *Broker) PublishRaw(topic string, payload json.RawMessage) {
	segments := strings.Split(topic, ":")
	ev := Event{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if !match(sub.pattern, segments) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			atomic.AddInt64(&b.dropped, 1)
			b.log.WithComponent("messenger").WithFields(logger.Fields{
				"topic": topic,
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Broker) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Close detaches every subscriber.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.closed = true
		close(sub.ch)
	}
}

func match(pattern, topic []string) bool {
	if len(pattern) != len(topic) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != topic[i] {
			return false
		}
	}
	return true
}
