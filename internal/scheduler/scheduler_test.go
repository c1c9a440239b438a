package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
	"github.com/stellarlinkco/pulsefeed/internal/scoring"
	"github.com/stellarlinkco/pulsefeed/internal/store"
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

func (p *capturePublisher) updates() []delivery.PriorityUpdatedData {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []delivery.PriorityUpdatedData
	for _, ev := range p.events {
		if ev.Event == delivery.EventPriorityUpdated {
			out = append(out, ev.Data.(delivery.PriorityUpdatedData))
		}
	}
	return out
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Feed, *capturePublisher) {
	t.Helper()
	backend, err := store.NewSQLiteBackend(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend error: %v", err)
	}
	pub := &capturePublisher{}
	f := store.NewFeed(backend, pub)
	t.Cleanup(func() { _ = f.Close() })

	s := New(f, Options{
		Scoring:       scoring.DefaultConfig([]string{"urgent"}),
		MinScoreDelta: 0.01,
	})
	return s, f, pub
}

func ingest(t *testing.T, f *store.Feed, id string, receivedAt time.Time, score float64) feed.Entry {
	t.Helper()
	msg := feed.Message{
		UserID:            "u1",
		Platform:          "telegram",
		PlatformMessageID: id,
		ThreadID:          "thread-" + id,
		SenderID:          "sender-1",
		SenderName:        "Alice",
		ContentText:       "checking in",
		ReceivedAt:        receivedAt,
	}
	enr := feed.Enrichment{
		PriorityScore: score,
		PriorityLabel: scoring.Label(score, feed.LabelFYI),
		Sentiment:     feed.SentimentNeutral,
		ComputedAt:    receivedAt,
	}
	if _, err := f.Ingest(context.Background(), msg, enr); err != nil {
		t.Fatalf("ingest %s: %v", id, err)
	}
	entries, _, err := f.RankedFeed(context.Background(), "u1", store.FeedQuery{Limit: 100})
	if err != nil {
		t.Fatalf("RankedFeed: %v", err)
	}
	for _, e := range entries {
		if e.Message.PlatformMessageID == id {
			return e
		}
	}
	t.Fatalf("ingested message %s not found", id)
	return feed.Entry{}
}

func TestSnoozeScanWakesDue(t *testing.T) {
	s, f, _ := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entry := ingest(t, f, "m1", now.Add(-time.Hour), 0.5)
	past := now.Add(-time.Minute)
	if err := f.Snooze(ctx, "u1", entry.Message.ID, &past); err != nil {
		t.Fatalf("Snooze error: %v", err)
	}

	woken, err := s.SnoozeScan(ctx, now)
	if err != nil {
		t.Fatalf("SnoozeScan error: %v", err)
	}
	if woken != 1 {
		t.Errorf("woken = %d, want 1", woken)
	}
}

func TestDecayScanLowersAgedScores(t *testing.T) {
	s, f, pub := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Scored at ingest two days ago with a full time signal; by now the
	// time component has fully decayed.
	stale := ingest(t, f, "stale", now.Add(-48*time.Hour), 0.55)

	decayed, err := s.DecayScan(ctx, now)
	if err != nil {
		t.Fatalf("DecayScan error: %v", err)
	}
	if decayed != 1 {
		t.Fatalf("decayed = %d, want 1", decayed)
	}

	entry, err := f.GetMessage(ctx, "u1", stale.Message.ID)
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if entry.Enrichment.PriorityScore >= 0.55 {
		t.Errorf("score = %v, want lower than 0.55", entry.Enrichment.PriorityScore)
	}

	updates := pub.updates()
	if len(updates) != 1 {
		t.Fatalf("priority_updated events = %d, want 1", len(updates))
	}
	if updates[0].MessageID != stale.Message.ID {
		t.Errorf("update for %s, want %s", updates[0].MessageID, stale.Message.ID)
	}

	// Scores only move down: a second scan right away changes nothing.
	decayed, err = s.DecayScan(ctx, now)
	if err != nil {
		t.Fatalf("second DecayScan error: %v", err)
	}
	if decayed != 0 {
		t.Errorf("second scan decayed = %d, want 0", decayed)
	}
}

func TestDecayScanSkipsFreshAndRead(t *testing.T) {
	s, f, pub := newTestScheduler(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ingest(t, f, "fresh", now.Add(-10*time.Minute), 0.6)
	// Aged but still inside the decay threshold, so not a candidate yet.
	ingest(t, f, "aging", now.Add(-12*time.Hour), 0.6)
	read := ingest(t, f, "read", now.Add(-48*time.Hour), 0.6)
	if err := f.MarkRead(ctx, "u1", read.Message.ID, true); err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}

	decayed, err := s.DecayScan(ctx, now)
	if err != nil {
		t.Fatalf("DecayScan error: %v", err)
	}
	if decayed != 0 {
		t.Errorf("decayed = %d, want 0 (fresh and read messages are untouched)", decayed)
	}
	if len(pub.updates()) != 0 {
		t.Errorf("unexpected priority_updated events: %d", len(pub.updates()))
	}
}

func TestDecayScanSuppressesTinyDeltas(t *testing.T) {
	s, f, pub := newTestScheduler(t)
	s.opts.MinScoreDelta = 1.0 // nothing short of a full point is worth announcing
	ctx := context.Background()
	now := time.Now().UTC()

	// A score whose recompute lands in the same label bucket.
	ingest(t, f, "m1", now.Add(-48*time.Hour), 0.2)

	decayed, err := s.DecayScan(ctx, now)
	if err != nil {
		t.Fatalf("DecayScan error: %v", err)
	}
	if decayed != 0 {
		t.Errorf("decayed = %d, want 0 when the delta is below the floor", decayed)
	}
	if len(pub.updates()) != 0 {
		t.Errorf("unexpected priority_updated events: %d", len(pub.updates()))
	}
}
