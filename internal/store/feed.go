package store

import (
	"context"
	"log"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

// Feed wraps a Backend with per-user write serialization and event
// publication. Events go out while the user's lock is still held, so
// subscribers observe them in commit order.
type Feed struct {
	backend Backend
	pub     delivery.Publisher
	locks   *KeyedMutex
}

func NewFeed(backend Backend, pub delivery.Publisher) *Feed {
	if pub == nil {
		pub = delivery.Discard{}
	}
	return &Feed{
		backend: backend,
		pub:     pub,
		locks:   NewKeyedMutex(),
	}
}

func (f *Feed) Backend() Backend { return f.backend }

func (f *Feed) Close() error { return f.backend.Close() }

// Ingest stores an enriched message. Duplicate deliveries of the same
// (user, platform, platformMessageId) are absorbed: the enrichment is
// replaced but no second new_message event goes out.
func (f *Feed) Ingest(ctx context.Context, msg feed.Message, enr feed.Enrichment) (bool, error) {
	unlock := f.locks.Lock(msg.UserID)
	defer unlock()

	created, err := f.backend.UpsertMessage(ctx, msg, enr)
	if err != nil {
		return false, err
	}
	if created {
		f.pub.Publish(msg.UserID, delivery.NewMessageEvent(msg, enr, false))
	}
	return created, nil
}

func (f *Feed) HasMessage(ctx context.Context, id feed.Identity) (bool, error) {
	return f.backend.HasMessage(ctx, id)
}

func (f *Feed) GetMessage(ctx context.Context, userID, messageID string) (feed.Entry, error) {
	return f.backend.GetMessage(ctx, userID, messageID)
}

func (f *Feed) RankedFeed(ctx context.Context, userID string, q FeedQuery) ([]feed.Entry, bool, error) {
	return f.backend.RankedFeed(ctx, userID, q)
}

func (f *Feed) Thread(ctx context.Context, userID, threadID string) ([]feed.Entry, error) {
	return f.backend.Thread(ctx, userID, threadID)
}

func (f *Feed) ThreadStats(ctx context.Context, userID, threadID string, recentSince time.Time) (feed.ThreadStats, error) {
	return f.backend.ThreadStats(ctx, userID, threadID, recentSince)
}

func (f *Feed) MarkRead(ctx context.Context, userID, messageID string, read bool) error {
	unlock := f.locks.Lock(userID)
	defer unlock()
	return f.backend.SetRead(ctx, userID, messageID, read)
}

func (f *Feed) MarkDone(ctx context.Context, userID, messageID string, done bool) error {
	unlock := f.locks.Lock(userID)
	defer unlock()
	return f.backend.SetDone(ctx, userID, messageID, done)
}

func (f *Feed) Snooze(ctx context.Context, userID, messageID string, until *time.Time) error {
	unlock := f.locks.Lock(userID)
	defer unlock()
	return f.backend.SetSnooze(ctx, userID, messageID, until)
}

// Rescore replaces a message's score and label and announces the change.
func (f *Feed) Rescore(ctx context.Context, userID, messageID string, enr feed.Enrichment) error {
	unlock := f.locks.Lock(userID)
	defer unlock()

	if err := f.backend.UpdateScore(ctx, userID, messageID, enr); err != nil {
		return err
	}
	f.pub.Publish(userID, delivery.PriorityUpdatedEvent(messageID, enr))
	return nil
}

// WakeDue resurfaces every snoozed message whose deadline has passed.
// Each message is re-read under its user's lock before waking, so a
// snooze extended or a message marked done after the scan query does
// not get resurfaced. Returns the number of messages woken.
func (f *Feed) WakeDue(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := f.backend.DueSnoozes(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	woken := 0
	for _, entry := range due {
		if err := f.wakeOne(ctx, entry, now); err != nil {
			log.Printf("[feed] wake %s: %v", entry.Message.ID, err)
			continue
		}
		woken++
	}
	return woken, nil
}

func (f *Feed) wakeOne(ctx context.Context, stale feed.Entry, now time.Time) error {
	unlock := f.locks.Lock(stale.Message.UserID)
	defer unlock()

	entry, err := f.backend.GetMessage(ctx, stale.Message.UserID, stale.Message.ID)
	if err != nil {
		return err
	}
	if entry.Message.IsDone || entry.Message.SnoozedUntil == nil || entry.Message.SnoozedUntil.After(now) {
		return nil
	}
	if err := f.backend.SetSnooze(ctx, entry.Message.UserID, entry.Message.ID, nil); err != nil {
		return err
	}
	entry.Message.SnoozedUntil = nil
	f.pub.Publish(entry.Message.UserID, delivery.NewMessageEvent(entry.Message, entry.Enrichment, true))
	return nil
}

func (f *Feed) DecayCandidates(ctx context.Context, olderThan time.Time, minScore float64, limit int) ([]feed.Entry, error) {
	return f.backend.DecayCandidates(ctx, olderThan, minScore, limit)
}

func (f *Feed) GetContact(ctx context.Context, userID, senderID string) (feed.SenderContext, bool, error) {
	return f.backend.GetContact(ctx, userID, senderID)
}

func (f *Feed) UpsertContact(ctx context.Context, sc feed.SenderContext) error {
	return f.backend.UpsertContact(ctx, sc)
}

func (f *Feed) GetCursor(ctx context.Context, userID, platform string) (feed.SyncCursor, error) {
	return f.backend.GetCursor(ctx, userID, platform)
}

func (f *Feed) SetCursor(ctx context.Context, cursor feed.SyncCursor) error {
	return f.backend.SetCursor(ctx, cursor)
}
