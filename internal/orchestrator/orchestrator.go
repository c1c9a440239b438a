// Package orchestrator runs the enrichment pipeline: raw platform payloads
// in, scored feed entries out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/adapter"
	"github.com/stellarlinkco/pulsefeed/internal/enrich"
	"github.com/stellarlinkco/pulsefeed/internal/feed"
	"github.com/stellarlinkco/pulsefeed/internal/scoring"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

var ErrQueueFull = errors.New("ingest queue full")

// Job is one raw payload waiting for the pipeline.
type Job struct {
	Raw adapter.RawMessage
}

// Stages groups the three enrichment signals.
type Stages struct {
	Context    enrich.Stage
	Classifier enrich.Stage
	Sentiment  enrich.Stage
}

func (s Stages) all() []enrich.Stage {
	return []enrich.Stage{s.Context, s.Classifier, s.Sentiment}
}

// Options tunes the pipeline.
type Options struct {
	Workers      int
	QueueSize    int
	StageTimeout time.Duration
	Scoring      scoring.Config
}

// Orchestrator owns the worker pool and the enrichment fan-out. One message
// traverses: normalize, dedupe, three concurrent stages (each with its own
// timeout and rule-based fallback), weighted score, store, publish.
type Orchestrator struct {
	feed     *store.Feed
	adapters *adapter.Registry
	stages   Stages
	opts     Options

	// Serializes sender-profile writes so concurrent messages from the
	// same sender do not clobber each other's context updates.
	senderLocks *store.KeyedMutex

	queue chan Job
	wg    sync.WaitGroup

	nowFn func() time.Time
}

func New(f *store.Feed, adapters *adapter.Registry, stages Stages, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 4 * time.Second
	}
	return &Orchestrator{
		feed:        f,
		adapters:    adapters,
		stages:      stages,
		opts:        opts,
		senderLocks: store.NewKeyedMutex(),
		queue:       make(chan Job, opts.QueueSize),
		nowFn:       time.Now,
	}
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; Wait blocks until they exit.
func (o *Orchestrator) Start(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func(id int) {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-o.queue:
					if err := o.process(ctx, job); err != nil {
						log.Printf("[pipeline] worker %d: %v", id, err)
					}
				}
			}
		}(i)
	}
}

func (o *Orchestrator) Wait() { o.wg.Wait() }

// Enqueue hands a raw payload to the pool without blocking. A full queue is
// reported to the caller so the transport can shed load.
func (o *Orchestrator) Enqueue(job Job) error {
	select {
	case o.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *Orchestrator) process(ctx context.Context, job Job) error {
	ad, err := o.adapters.Lookup(job.Raw.Platform)
	if err != nil {
		return fmt.Errorf("lookup adapter: %w", err)
	}

	msg, err := ad.Normalize(job.Raw)
	if err != nil {
		if errors.Is(err, adapter.ErrMalformedPayload) {
			// Malformed payloads are dropped, never retried.
			log.Printf("[pipeline] drop malformed %s payload for user %s: %v", job.Raw.Platform, job.Raw.UserID, err)
			return nil
		}
		return fmt.Errorf("normalize %s payload: %w", job.Raw.Platform, err)
	}
	if msg.UserID == "" {
		msg.UserID = job.Raw.UserID
	}

	// Duplicate deliveries skip enrichment entirely: no second reasoning
	// round, no second event.
	exists, err := o.feed.HasMessage(ctx, msg.Identity())
	if err != nil {
		return fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil
	}

	_, err = o.EnrichAndIngest(ctx, msg)
	return err
}

// EnrichAndIngest runs the full enrichment for one normalized message and
// commits the result. Returns the stored enrichment.
func (o *Orchestrator) EnrichAndIngest(ctx context.Context, msg feed.Message) (feed.Enrichment, error) {
	unlock := o.senderLocks.Lock(msg.UserID + "\x00" + msg.SenderID)
	defer unlock()

	sender, found, err := o.feed.GetContact(ctx, msg.UserID, msg.SenderID)
	if err != nil {
		return feed.Enrichment{}, fmt.Errorf("load sender context: %w", err)
	}
	if !found {
		sender = feed.DefaultSenderContext(msg.UserID, msg.SenderID, msg.SenderName)
	}

	partials, lowConfidence := o.fanOut(ctx, msg, sender)
	merged := mergePartials(partials)

	if merged.Sender != nil {
		if err := o.feed.UpsertContact(ctx, *merged.Sender); err != nil {
			// Profile loss is tolerable; the message still flows.
			log.Printf("[pipeline] save sender context %s/%s: %v", msg.UserID, msg.SenderID, err)
		} else {
			sender = *merged.Sender
		}
	}

	now := o.nowFn().UTC()
	stats, err := o.feed.ThreadStats(ctx, msg.UserID, msg.ThreadID, now.Add(-24*time.Hour))
	if err != nil {
		log.Printf("[pipeline] thread stats %s: %v", msg.ThreadID, err)
		stats = feed.ThreadStats{}
	}

	score := scoring.Score(o.opts.Scoring, scoring.Input{
		Content:    msg.ContentText,
		ReceivedAt: msg.ReceivedAt,
		Sender:     sender,
		Sentiment:  merged.Sentiment,
		Thread:     stats,
	}, now)

	enrichment := feed.Enrichment{
		PriorityScore: score,
		PriorityLabel: scoring.Label(score, merged.Label),
		Sentiment:     merged.Sentiment,
		ContextNote:   merged.Note,
		LowConfidence: lowConfidence,
		ComputedAt:    now,
	}

	if _, err := o.feed.Ingest(ctx, msg, enrichment); err != nil {
		return feed.Enrichment{}, fmt.Errorf("ingest message: %w", err)
	}
	return enrichment, nil
}

// fanOut runs all stages concurrently, each under its own timeout. A stage
// that fails or misses its budget contributes its deterministic fallback
// instead; the pipeline never blocks on a sick reasoning service.
func (o *Orchestrator) fanOut(ctx context.Context, msg feed.Message, sender feed.SenderContext) ([]enrich.Partial, bool) {
	stages := o.stages.all()
	partials := make([]enrich.Partial, len(stages))

	var wg sync.WaitGroup
	for i, stage := range stages {
		if stage == nil {
			continue
		}
		wg.Add(1)
		go func(i int, stage enrich.Stage) {
			defer wg.Done()
			stageCtx, cancel := context.WithTimeout(ctx, o.opts.StageTimeout)
			defer cancel()

			p, err := stage.Enrich(stageCtx, msg, sender)
			if err != nil {
				log.Printf("[pipeline] stage %s fell back: %v", stage.Name(), err)
				p = stage.Fallback(msg, sender)
				p.Fallback = true
			}
			partials[i] = p
		}(i, stage)
	}
	wg.Wait()

	lowConfidence := false
	for _, p := range partials {
		if p.Fallback {
			lowConfidence = true
		}
	}
	return partials, lowConfidence
}

// merged is the fan-in of all stage partials.
type merged struct {
	Sender    *feed.SenderContext
	Label     feed.PriorityLabel
	Sentiment feed.Sentiment
	Note      string
}

func mergePartials(partials []enrich.Partial) merged {
	m := merged{
		Label:     feed.LabelFYI,
		Sentiment: feed.SentimentNeutral,
	}
	for _, p := range partials {
		switch p.Stage {
		case enrich.StageContext:
			if p.Sender != nil {
				m.Sender = p.Sender
			}
		case enrich.StageClassifier:
			if p.Label.Valid() {
				m.Label = p.Label
			}
		case enrich.StageSentiment:
			if p.Sentiment.Valid() {
				m.Sentiment = p.Sentiment
			}
		}
		m.Note = joinNotePartial(m.Note, p.Note)
	}
	return m
}

func joinNotePartial(existing, addition string) string {
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + " | " + addition
}
