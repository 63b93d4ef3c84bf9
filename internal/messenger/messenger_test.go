package messenger

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestPublishExactTopic(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe("client:7:balance:new", 4)
	defer cancel()

	b.Publish("client:7:balance:new", map[string]int{"v": 1})
	ev := recvEvent(t, ch)
	if ev.Topic != "client:7:balance:new" {
		t.Fatalf("topic = %q", ev.Topic)
	}
	var got map[string]int
	if err := ev.Decode(&got); err != nil || got["v"] != 1 {
		t.Fatalf("decode = %v %v", got, err)
	}
}

func TestWildcardMatchesSingleSegment(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe("client:*:execution:new", 4)
	defer cancel()

	b.Publish("client:1:execution:new", "a")
	b.Publish("client:99:execution:new", "b")
	b.Publish("client:1:balance:new", "c")
	b.Publish("client:1:execution:new:extra", "d")

	first := recvEvent(t, ch)
	second := recvEvent(t, ch)
	if first.Topic != "client:1:execution:new" || second.Topic != "client:99:execution:new" {
		t.Fatalf("got %q then %q", first.Topic, second.Topic)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event on %q", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullBufferDropsAndCounts(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	_, cancel := b.Subscribe("t", 1)
	defer cancel()

	b.Publish("t", 1)
	b.Publish("t", 2)

	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ch, cancel := b.Subscribe("t", 4)
	cancel()
	cancel() // idempotent

	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	b.Publish("t", 1)
}

func TestCloseDetachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	ch1, _ := b.Subscribe("a", 4)
	ch2, _ := b.Subscribe("*", 4)

	b.Close()

	if _, ok := <-ch1; ok {
		t.Fatalf("ch1 should be closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("ch2 should be closed")
	}
}
