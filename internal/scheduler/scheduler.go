// Package scheduler runs the background scans: waking due snoozes and
// decaying the priority of aging unread messages.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
	"github.com/stellarlinkco/pulsefeed/internal/scoring"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

const scanBatch = 500

// Options tunes the scan cadence and the decay thresholds.
type Options struct {
	SnoozeScanEvery time.Duration
	DecayScanEvery  time.Duration
	Scoring         scoring.Config
	// MinScoreDelta suppresses priority_updated noise: a decayed score is
	// only persisted and announced when it moves at least this much or
	// changes the label.
	MinScoreDelta float64
}

// Scheduler drives the periodic feed maintenance jobs.
type Scheduler struct {
	feed *store.Feed
	opts Options
	cron *rcron.Cron

	nowFn func() time.Time
}

func New(f *store.Feed, opts Options) *Scheduler {
	if opts.SnoozeScanEvery <= 0 {
		opts.SnoozeScanEvery = 30 * time.Second
	}
	if opts.DecayScanEvery <= 0 {
		opts.DecayScanEvery = 15 * time.Minute
	}
	if opts.MinScoreDelta <= 0 {
		opts.MinScoreDelta = 0.01
	}
	if opts.Scoring.DecayThreshold <= 0 {
		opts.Scoring.DecayThreshold = 24 * time.Hour
	}
	return &Scheduler{feed: f, opts: opts, nowFn: time.Now}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = rcron.New()

	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.SnoozeScanEvery), func() {
		if n, err := s.SnoozeScan(ctx, s.nowFn().UTC()); err != nil {
			log.Printf("[scheduler] snooze scan: %v", err)
		} else if n > 0 {
			log.Printf("[scheduler] resurfaced %d snoozed messages", n)
		}
	})
	if err != nil {
		return fmt.Errorf("register snooze scan: %w", err)
	}

	_, err = s.cron.AddFunc(fmt.Sprintf("@every %s", s.opts.DecayScanEvery), func() {
		if n, err := s.DecayScan(ctx, s.nowFn().UTC()); err != nil {
			log.Printf("[scheduler] decay scan: %v", err)
		} else if n > 0 {
			log.Printf("[scheduler] decayed %d message scores", n)
		}
	})
	if err != nil {
		return fmt.Errorf("register decay scan: %w", err)
	}

	s.cron.Start()
	log.Printf("[scheduler] started (snooze every %s, decay every %s)", s.opts.SnoozeScanEvery, s.opts.DecayScanEvery)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// SnoozeScan resurfaces every snoozed message whose deadline passed.
func (s *Scheduler) SnoozeScan(ctx context.Context, now time.Time) (int, error) {
	return s.feed.WakeDue(ctx, now, scanBatch)
}

// DecayScan recomputes the time-sensitivity component for unread messages
// older than the decay threshold; younger ones keep their ingest-time
// score. Scores only ever move down here; a recompute that would raise a
// score (clock skew, config change) is ignored.
func (s *Scheduler) DecayScan(ctx context.Context, now time.Time) (int, error) {
	candidates, err := s.feed.DecayCandidates(ctx, now.Add(-s.opts.Scoring.DecayThreshold), s.opts.Scoring.DecayFloor, scanBatch)
	if err != nil {
		return 0, err
	}

	decayed := 0
	for _, entry := range candidates {
		changed, err := s.decayOne(ctx, entry, now)
		if err != nil {
			log.Printf("[scheduler] decay %s: %v", entry.Message.ID, err)
			continue
		}
		if changed {
			decayed++
		}
	}
	return decayed, nil
}

func (s *Scheduler) decayOne(ctx context.Context, entry feed.Entry, now time.Time) (bool, error) {
	sender, found, err := s.feed.GetContact(ctx, entry.Message.UserID, entry.Message.SenderID)
	if err != nil {
		return false, err
	}
	if !found {
		sender = feed.DefaultSenderContext(entry.Message.UserID, entry.Message.SenderID, entry.Message.SenderName)
	}

	stats, err := s.feed.ThreadStats(ctx, entry.Message.UserID, entry.Message.ThreadID, now.Add(-24*time.Hour))
	if err != nil {
		return false, err
	}

	newScore := scoring.Score(s.opts.Scoring, scoring.Input{
		Content:    entry.Message.ContentText,
		ReceivedAt: entry.Message.ReceivedAt,
		Sender:     sender,
		Sentiment:  entry.Enrichment.Sentiment,
		Thread:     stats,
	}, now)

	old := entry.Enrichment.PriorityScore
	if newScore >= old {
		return false, nil
	}

	newLabel := scoring.Label(newScore, entry.Enrichment.PriorityLabel)
	if newLabel == entry.Enrichment.PriorityLabel && math.Abs(old-newScore) < s.opts.MinScoreDelta {
		return false, nil
	}

	enr := entry.Enrichment
	enr.PriorityScore = newScore
	enr.PriorityLabel = newLabel
	enr.ComputedAt = now
	if err := s.feed.Rescore(ctx, entry.Message.UserID, entry.Message.ID, enr); err != nil {
		return false, err
	}
	return true, nil
}
