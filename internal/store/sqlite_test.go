package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

func newTestBackend(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "feed.db"))
	if err != nil {
		t.Fatalf("NewSQLiteBackend error: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func testMessage(userID, platform, platformMsgID string) feed.Message {
	return feed.Message{
		UserID:            userID,
		Platform:          platform,
		PlatformMessageID: platformMsgID,
		ThreadID:          "thread-1",
		SenderID:          "sender-1",
		SenderName:        "Alice",
		ContentText:       "hello",
		ReceivedAt:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func testEnrichment(score float64) feed.Enrichment {
	return feed.Enrichment{
		PriorityScore: score,
		PriorityLabel: feed.LabelFYI,
		Sentiment:     feed.SentimentNeutral,
		ComputedAt:    time.Date(2026, 3, 1, 9, 0, 1, 0, time.UTC),
	}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	msg := testMessage("u1", "telegram", "m1")
	created, err := b.UpsertMessage(ctx, msg, testEnrichment(0.4))
	if err != nil {
		t.Fatalf("first upsert error: %v", err)
	}
	if !created {
		t.Error("first upsert should report created")
	}

	// Same identity again: absorbed, enrichment replaced.
	created, err = b.UpsertMessage(ctx, msg, testEnrichment(0.7))
	if err != nil {
		t.Fatalf("second upsert error: %v", err)
	}
	if created {
		t.Error("duplicate upsert should not report created")
	}

	entries, _, err := b.RankedFeed(ctx, "u1", FeedQuery{})
	if err != nil {
		t.Fatalf("RankedFeed error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Enrichment.PriorityScore != 0.7 {
		t.Errorf("score = %v, want replaced 0.7", entries[0].Enrichment.PriorityScore)
	}

	has, err := b.HasMessage(ctx, msg.Identity())
	if err != nil || !has {
		t.Errorf("HasMessage = (%v, %v), want (true, nil)", has, err)
	}
}

func TestUpsertPreservesUserState(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	msg := testMessage("u1", "telegram", "m1")
	if _, err := b.UpsertMessage(ctx, msg, testEnrichment(0.4)); err != nil {
		t.Fatalf("upsert error: %v", err)
	}

	entry, err := b.GetMessage(ctx, "u1", mustID(t, b, "u1"))
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if err := b.SetRead(ctx, "u1", entry.Message.ID, true); err != nil {
		t.Fatalf("SetRead error: %v", err)
	}

	// A re-delivery must not clear the read flag.
	if _, err := b.UpsertMessage(ctx, msg, testEnrichment(0.5)); err != nil {
		t.Fatalf("re-upsert error: %v", err)
	}
	entry, err = b.GetMessage(ctx, "u1", entry.Message.ID)
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if !entry.Message.IsRead {
		t.Error("re-upsert cleared IsRead")
	}
}

func TestRankedFeedOrderingAndPaging(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	add := func(id string, score float64, at time.Time) {
		msg := testMessage("u1", "telegram", id)
		msg.ReceivedAt = at
		if _, err := b.UpsertMessage(ctx, msg, testEnrichment(score)); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	add("low", 0.2, base)
	add("high", 0.9, base)
	add("mid-old", 0.5, base)
	add("mid-new", 0.5, base.Add(time.Hour))

	entries, hasMore, err := b.RankedFeed(ctx, "u1", FeedQuery{Limit: 3})
	if err != nil {
		t.Fatalf("RankedFeed error: %v", err)
	}
	if !hasMore {
		t.Error("hasMore = false, want true with 4 rows and limit 3")
	}
	got := []string{
		entries[0].Message.PlatformMessageID,
		entries[1].Message.PlatformMessageID,
		entries[2].Message.PlatformMessageID,
	}
	want := []string{"high", "mid-new", "mid-old"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d = %s, want %s (order: score desc, then recency)", i, got[i], want[i])
		}
	}

	page2, hasMore, err := b.RankedFeed(ctx, "u1", FeedQuery{Limit: 3, Offset: 3})
	if err != nil {
		t.Fatalf("RankedFeed page 2 error: %v", err)
	}
	if hasMore {
		t.Error("hasMore = true on the last page")
	}
	if len(page2) != 1 || page2[0].Message.PlatformMessageID != "low" {
		t.Errorf("page 2 = %v, want just 'low'", page2)
	}
}

func TestRankedFeedFilters(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	tg := testMessage("u1", "telegram", "t1")
	slack := testMessage("u1", "slack", "s1")
	if _, err := b.UpsertMessage(ctx, tg, testEnrichment(0.4)); err != nil {
		t.Fatal(err)
	}
	urgent := testEnrichment(0.9)
	urgent.PriorityLabel = feed.LabelUrgent
	if _, err := b.UpsertMessage(ctx, slack, urgent); err != nil {
		t.Fatal(err)
	}

	entries, _, err := b.RankedFeed(ctx, "u1", FeedQuery{Platform: "slack"})
	if err != nil {
		t.Fatalf("platform filter error: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.Platform != "slack" {
		t.Errorf("platform filter returned %d entries", len(entries))
	}

	entries, _, err = b.RankedFeed(ctx, "u1", FeedQuery{Label: feed.LabelUrgent})
	if err != nil {
		t.Fatalf("label filter error: %v", err)
	}
	if len(entries) != 1 || entries[0].Enrichment.PriorityLabel != feed.LabelUrgent {
		t.Errorf("label filter returned %d entries", len(entries))
	}
}

func TestRankedFeedExcludesDoneAndSnoozed(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, id := range []string{"visible", "done", "snoozed"} {
		if _, err := b.UpsertMessage(ctx, testMessage("u1", "telegram", id), testEnrichment(0.5)); err != nil {
			t.Fatal(err)
		}
	}

	all, _, _ := b.RankedFeed(ctx, "u1", FeedQuery{})
	for _, e := range all {
		switch e.Message.PlatformMessageID {
		case "done":
			if err := b.SetDone(ctx, "u1", e.Message.ID, true); err != nil {
				t.Fatal(err)
			}
		case "snoozed":
			until := time.Now().UTC().Add(time.Hour)
			if err := b.SetSnooze(ctx, "u1", e.Message.ID, &until); err != nil {
				t.Fatal(err)
			}
		}
	}

	entries, _, err := b.RankedFeed(ctx, "u1", FeedQuery{})
	if err != nil {
		t.Fatalf("RankedFeed error: %v", err)
	}
	if len(entries) != 1 || entries[0].Message.PlatformMessageID != "visible" {
		t.Errorf("feed = %d entries, want only 'visible'", len(entries))
	}
}

func TestMutationsOnMissingMessage(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.SetRead(ctx, "u1", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetRead missing = %v, want ErrNotFound", err)
	}
	if err := b.SetDone(ctx, "u1", "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetDone missing = %v, want ErrNotFound", err)
	}
	if _, err := b.GetMessage(ctx, "u1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage missing = %v, want ErrNotFound", err)
	}
}

func TestDueSnoozes(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := b.UpsertMessage(ctx, testMessage("u1", "telegram", "due"), testEnrichment(0.5)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.UpsertMessage(ctx, testMessage("u1", "telegram", "later"), testEnrichment(0.5)); err != nil {
		t.Fatal(err)
	}

	all, _, _ := b.RankedFeed(ctx, "u1", FeedQuery{})
	for _, e := range all {
		var until time.Time
		if e.Message.PlatformMessageID == "due" {
			until = now.Add(-time.Minute)
		} else {
			until = now.Add(time.Hour)
		}
		if err := b.SetSnooze(ctx, "u1", e.Message.ID, &until); err != nil {
			t.Fatal(err)
		}
	}

	due, err := b.DueSnoozes(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueSnoozes error: %v", err)
	}
	if len(due) != 1 || due[0].Message.PlatformMessageID != "due" {
		t.Errorf("due = %d entries, want only 'due'", len(due))
	}
}

func TestThreadAndStats(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{0, -2 * time.Hour, -48 * time.Hour} {
		msg := testMessage("u1", "telegram", string(rune('a'+i)))
		msg.ReceivedAt = base.Add(age)
		if _, err := b.UpsertMessage(ctx, msg, testEnrichment(0.5)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := b.Thread(ctx, "u1", "thread-1")
	if err != nil {
		t.Fatalf("Thread error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("thread len = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Message.ReceivedAt.Before(entries[i-1].Message.ReceivedAt) {
			t.Error("thread not in chronological order")
		}
	}

	stats, err := b.ThreadStats(ctx, "u1", "thread-1", base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ThreadStats error: %v", err)
	}
	if stats.Total != 3 || stats.Recent != 2 {
		t.Errorf("stats = %+v, want total 3 recent 2", stats)
	}
}

func TestContactsRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	_, found, err := b.GetContact(ctx, "u1", "sender-1")
	if err != nil {
		t.Fatalf("GetContact error: %v", err)
	}
	if found {
		t.Error("found unknown contact")
	}

	last := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	sc := feed.SenderContext{
		UserID: "u1", SenderID: "sender-1", Name: "Alice",
		Tier: feed.TierVIP, IsVIP: true, ReplyRate: 0.8,
		LastInteraction: &last, Summary: "team lead",
	}
	if err := b.UpsertContact(ctx, sc); err != nil {
		t.Fatalf("UpsertContact error: %v", err)
	}

	got, found, err := b.GetContact(ctx, "u1", "sender-1")
	if err != nil || !found {
		t.Fatalf("GetContact = (%v, %v)", found, err)
	}
	if got.Tier != feed.TierVIP || !got.IsVIP || got.ReplyRate != 0.8 || got.Summary != "team lead" {
		t.Errorf("contact round trip mismatch: %+v", got)
	}
	if got.LastInteraction == nil || !got.LastInteraction.Equal(last) {
		t.Errorf("LastInteraction = %v, want %v", got.LastInteraction, last)
	}

	sc.Tier = feed.TierContact
	sc.IsVIP = false
	if err := b.UpsertContact(ctx, sc); err != nil {
		t.Fatalf("UpsertContact update error: %v", err)
	}
	got, _, _ = b.GetContact(ctx, "u1", "sender-1")
	if got.Tier != feed.TierContact || got.IsVIP {
		t.Errorf("contact update not applied: %+v", got)
	}
}

func TestCursorsRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	cur, err := b.GetCursor(ctx, "u1", "telegram")
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if cur.Cursor != "" {
		t.Errorf("fresh cursor = %q, want empty", cur.Cursor)
	}

	cur.Cursor = "12345"
	cur.UpdatedAt = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := b.SetCursor(ctx, cur); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}

	got, err := b.GetCursor(ctx, "u1", "telegram")
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if got.Cursor != "12345" || !got.UpdatedAt.Equal(cur.UpdatedAt) {
		t.Errorf("cursor round trip mismatch: %+v", got)
	}
}

func TestOpenByScheme(t *testing.T) {
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "feed.db")
	b, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open(%q) error: %v", dsn, err)
	}
	defer b.Close()
	if _, ok := b.(*SQLiteBackend); !ok {
		t.Errorf("Open returned %T, want *SQLiteBackend", b)
	}
}

func mustID(t *testing.T, b *SQLiteBackend, userID string) string {
	t.Helper()
	entries, _, err := b.RankedFeed(context.Background(), userID, FeedQuery{Limit: 1})
	if err != nil || len(entries) == 0 {
		t.Fatalf("no entries for %s: %v", userID, err)
	}
	return entries[0].Message.ID
}
