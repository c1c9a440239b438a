package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []delivery.Event
}

func (p *capturePublisher) Publish(_ string, ev delivery.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) all() []delivery.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivery.Event(nil), p.events...)
}

func newTestFeed(t *testing.T) (*Feed, *capturePublisher) {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend error: %v", err)
	}
	pub := &capturePublisher{}
	f := NewFeed(b, pub)
	t.Cleanup(func() { _ = f.Close() })
	return f, pub
}

func TestIngestPublishesOncePerIdentity(t *testing.T) {
	f, pub := newTestFeed(t)
	ctx := context.Background()

	msg := testMessage("u1", "telegram", "m1")
	created, err := f.Ingest(ctx, msg, testEnrichment(0.4))
	if err != nil {
		t.Fatalf("Ingest error: %v", err)
	}
	if !created {
		t.Error("first ingest should create")
	}

	// Duplicate delivery: stored state refreshed, no second event.
	if _, err := f.Ingest(ctx, msg, testEnrichment(0.6)); err != nil {
		t.Fatalf("duplicate Ingest error: %v", err)
	}

	events := pub.all()
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Event != delivery.EventNewMessage {
		t.Errorf("event = %s, want %s", events[0].Event, delivery.EventNewMessage)
	}
}

func TestRescorePublishesPriorityUpdated(t *testing.T) {
	f, pub := newTestFeed(t)
	ctx := context.Background()

	if _, err := f.Ingest(ctx, testMessage("u1", "telegram", "m1"), testEnrichment(0.4)); err != nil {
		t.Fatal(err)
	}
	entries, _, _ := f.RankedFeed(ctx, "u1", FeedQuery{})

	enr := testEnrichment(0.2)
	enr.PriorityLabel = feed.LabelSocial
	if err := f.Rescore(ctx, "u1", entries[0].Message.ID, enr); err != nil {
		t.Fatalf("Rescore error: %v", err)
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want new_message then priority_updated", len(events))
	}
	if events[1].Event != delivery.EventPriorityUpdated {
		t.Errorf("event = %s, want %s", events[1].Event, delivery.EventPriorityUpdated)
	}
	data, ok := events[1].Data.(delivery.PriorityUpdatedData)
	if !ok {
		t.Fatalf("data type = %T", events[1].Data)
	}
	if data.PriorityScore != 0.2 || data.PriorityLabel != feed.LabelSocial {
		t.Errorf("data = %+v", data)
	}

	entry, _ := f.GetMessage(ctx, "u1", entries[0].Message.ID)
	if entry.Enrichment.PriorityScore != 0.2 {
		t.Errorf("stored score = %v, want 0.2", entry.Enrichment.PriorityScore)
	}
}

func TestWakeDueResurfaces(t *testing.T) {
	f, pub := newTestFeed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := f.Ingest(ctx, testMessage("u1", "telegram", "m1"), testEnrichment(0.4)); err != nil {
		t.Fatal(err)
	}
	entries, _, _ := f.RankedFeed(ctx, "u1", FeedQuery{})
	id := entries[0].Message.ID

	past := now.Add(-time.Minute)
	if err := f.Snooze(ctx, "u1", id, &past); err != nil {
		t.Fatalf("Snooze error: %v", err)
	}

	woken, err := f.WakeDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("WakeDue error: %v", err)
	}
	if woken != 1 {
		t.Fatalf("woken = %d, want 1", woken)
	}

	events := pub.all()
	last := events[len(events)-1]
	if last.Event != delivery.EventNewMessage {
		t.Fatalf("last event = %s, want new_message", last.Event)
	}
	data := last.Data.(delivery.NewMessageData)
	if !data.Resurfaced {
		t.Error("resurfaced flag not set on wake")
	}

	// Back in the feed, snooze cleared.
	entries, _, _ = f.RankedFeed(ctx, "u1", FeedQuery{})
	if len(entries) != 1 || entries[0].Message.SnoozedUntil != nil {
		t.Errorf("message not resurfaced: %d entries", len(entries))
	}

	// A second scan finds nothing.
	woken, err = f.WakeDue(ctx, now, 10)
	if err != nil || woken != 0 {
		t.Errorf("second WakeDue = (%d, %v), want (0, nil)", woken, err)
	}
}

func TestWakeDueSkipsDone(t *testing.T) {
	f, _ := newTestFeed(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := f.Ingest(ctx, testMessage("u1", "telegram", "m1"), testEnrichment(0.4)); err != nil {
		t.Fatal(err)
	}
	entries, _, _ := f.RankedFeed(ctx, "u1", FeedQuery{})
	id := entries[0].Message.ID

	past := now.Add(-time.Minute)
	if err := f.Snooze(ctx, "u1", id, &past); err != nil {
		t.Fatal(err)
	}
	if err := f.MarkDone(ctx, "u1", id, true); err != nil {
		t.Fatal(err)
	}

	woken, err := f.WakeDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("WakeDue error: %v", err)
	}
	if woken != 0 {
		t.Errorf("woken = %d, want 0 for a done message", woken)
	}
}

func TestKeyedMutexSerializes(t *testing.T) {
	km := NewKeyedMutex()

	var mu sync.Mutex
	order := []int{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := km.Lock("user")
			defer unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(order) != 10 {
		t.Errorf("len(order) = %d, want 10", len(order))
	}

	// Different keys do not block one another.
	done := make(chan struct{})
	unlockA := km.Lock("a")
	go func() {
		unlockB := km.Lock("b")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("lock on a different key blocked")
	}
	unlockA()
}
