// Package gateway wires the whole service together: store, adapters,
// enrichment pipeline, scheduler, and the HTTP surface.
package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/adapter"
	"github.com/stellarlinkco/pulsefeed/internal/config"
	"github.com/stellarlinkco/pulsefeed/internal/delivery"
	"github.com/stellarlinkco/pulsefeed/internal/enrich"
	"github.com/stellarlinkco/pulsefeed/internal/httpapi"
	"github.com/stellarlinkco/pulsefeed/internal/orchestrator"
	"github.com/stellarlinkco/pulsefeed/internal/scheduler"
	"github.com/stellarlinkco/pulsefeed/internal/scoring"
	"github.com/stellarlinkco/pulsefeed/internal/store"
)

// Options for creating a Gateway. The factories allow injection in tests.
type Options struct {
	Completer  enrich.Completer
	Backend    store.Backend
	SignalChan chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg      *config.Config
	backend  store.Backend
	feed     *store.Feed
	hub      *delivery.Hub
	adapters *adapter.Registry
	orch     *orchestrator.Orchestrator
	poller   *orchestrator.Poller
	sched    *scheduler.Scheduler
	api      *httpapi.Server

	signalChan chan os.Signal
}

// New creates a Gateway with default options.
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{cfg: cfg, signalChan: opts.SignalChan}

	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = store.Open(cfg.StoreDSN())
		if err != nil {
			return nil, fmt.Errorf("open feed store: %w", err)
		}
	}
	g.backend = backend

	g.hub = delivery.NewHub()
	g.feed = store.NewFeed(backend, g.hub)

	g.adapters = adapter.NewRegistry()
	if cfg.Adapters.Telegram.Enabled {
		tg, err := adapter.NewTelegramAdapter(cfg.Adapters.Telegram)
		if err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("create telegram adapter: %w", err)
		}
		if err := g.adapters.Register(tg); err != nil {
			_ = backend.Close()
			return nil, fmt.Errorf("register telegram adapter: %w", err)
		}
	}

	completer := opts.Completer
	if completer == nil {
		completer = enrich.NewCompleter(cfg.Provider, cfg.Enrich.Model, cfg.Enrich.MaxTokens)
	}

	keywords := cfg.Scoring.UrgencyKeywords
	if len(keywords) == 0 {
		keywords = config.DefaultUrgencyKeywords
	}
	scoringCfg := scoring.Config{
		UrgencyKeywords: keywords,
		DecayThreshold:  cfg.DecayThresholdDuration(),
		DecayFloor:      cfg.Scoring.DecayFloor,
	}

	g.orch = orchestrator.New(g.feed, g.adapters, orchestrator.Stages{
		Context:    enrich.NewContextStage(completer),
		Classifier: enrich.NewClassifierStage(completer),
		Sentiment:  enrich.NewSentimentStage(completer),
	}, orchestrator.Options{
		Workers:      cfg.Pipeline.Workers,
		QueueSize:    cfg.Pipeline.QueueSize,
		StageTimeout: cfg.StageTimeoutDuration(),
		Scoring:      scoringCfg,
	})

	g.poller = orchestrator.NewPoller(g.feed, g.adapters, g.orch, g.hub, cfg.Accounts, parseEvery(cfg.Scheduler.PollEvery, 2*time.Minute))

	g.sched = scheduler.New(g.feed, scheduler.Options{
		SnoozeScanEvery: parseEvery(cfg.Scheduler.SnoozeScanEvery, time.Minute),
		DecayScanEvery:  parseEvery(cfg.Scheduler.DecayScanEvery, time.Hour),
		Scoring:         scoringCfg,
		MinScoreDelta:   cfg.Scoring.MinScoreDelta,
	})

	g.api = httpapi.NewServer(cfg.Gateway, g.feed, g.orch, g.adapters, g.hub, cfg.Accounts)

	return g, nil
}

// Feed exposes the wired feed for tooling and tests.
func (g *Gateway) Feed() *store.Feed { return g.feed }

// Run starts everything and blocks until SIGINT or SIGTERM.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.orch.Start(ctx)
	log.Printf("[gateway] pipeline started (%d workers)", g.cfg.Pipeline.Workers)

	if err := g.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if len(g.cfg.Accounts) > 0 && len(g.adapters.Platforms()) > 0 {
		go g.poller.Run(ctx)
		log.Printf("[gateway] polling %d accounts", len(g.cfg.Accounts))
	}

	if err := g.api.Start(ctx); err != nil {
		return fmt.Errorf("start api: %w", err)
	}

	log.Printf("[gateway] running on %s:%d (platforms: %v)", g.cfg.Gateway.Host, g.cfg.Gateway.Port, g.adapters.Platforms())

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}

	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	log.Printf("[gateway] shutting down...")
	cancel()
	return g.Shutdown()
}

func (g *Gateway) Shutdown() error {
	if err := g.api.Stop(); err != nil {
		log.Printf("[gateway] api shutdown warning: %v", err)
	}
	g.sched.Stop()
	g.orch.Wait()
	if err := g.feed.Close(); err != nil {
		log.Printf("[gateway] close store warning: %v", err)
	}
	log.Printf("[gateway] shutdown complete")
	return nil
}

func parseEvery(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
