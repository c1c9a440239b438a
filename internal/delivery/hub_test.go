package delivery

import (
	"fmt"
	"testing"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

func TestHubDeliversInPublishOrder(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe("u1")
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish("u1", PriorityUpdatedEvent(fmt.Sprintf("m%d", i), feed.Enrichment{}))
	}

	for i := 0; i < 10; i++ {
		select {
		case ev := <-events:
			want := fmt.Sprintf("m%d", i)
			if got := ev.Data.(PriorityUpdatedData).MessageID; got != want {
				t.Fatalf("position %d = %s, want %s", i, got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestHubIsolatesUsers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("alice")
	defer cancelA()
	b, cancelB := h.Subscribe("bob")
	defer cancelB()

	h.Publish("alice", SyncStatusEvent("telegram", SyncStateIdle, ""))

	select {
	case <-a:
	case <-time.After(time.Second):
		t.Fatal("alice never received her event")
	}

	select {
	case ev := <-b:
		t.Fatalf("bob received alice's event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelClosesStream(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe("u1")

	if got := h.SubscriberCount("u1"); got != 1 {
		t.Errorf("SubscriberCount = %d, want 1", got)
	}

	cancel()
	cancel() // idempotent

	if got := h.SubscriberCount("u1"); got != 0 {
		t.Errorf("SubscriberCount after cancel = %d, want 0", got)
	}
	if _, open := <-events; open {
		t.Error("channel still open after cancel")
	}

	// Publishing to a user with no subscribers is a no-op.
	h.Publish("u1", SyncStatusEvent("telegram", SyncStateIdle, ""))
}

func TestHubDropsWhenSubscriberLags(t *testing.T) {
	h := NewHub()
	events, cancel := h.Subscribe("u1")
	defer cancel()

	// Nobody draining: overfill the buffer. Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish("u1", SyncStatusEvent("telegram", SyncStateIdle, ""))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a lagging subscriber")
	}

	if n := len(events); n != subscriberBuffer {
		t.Errorf("buffered events = %d, want %d with overflow dropped", n, subscriberBuffer)
	}
}
