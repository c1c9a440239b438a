package enrich

import (
	"context"
	"errors"
	"strings"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

var (
	// ErrStageTimeout means the external reasoning call missed the stage's
	// timeout budget.
	ErrStageTimeout = errors.New("enrichment stage timeout")
	// ErrStageUnavailable means the reasoning call failed outright. Never
	// retried inline; the stage's fallback is substituted so the pipeline
	// always terminates.
	ErrStageUnavailable = errors.New("enrichment stage unavailable")
)

// Stage names, also used as log prefixes.
const (
	StageContext    = "context"
	StageClassifier = "classifier"
	StageSentiment  = "sentiment"
)

// Partial is one stage's contribution to the final enrichment. Only the
// fields a stage owns are populated; the orchestrator merges.
type Partial struct {
	Stage string

	// Context stage.
	Sender *feed.SenderContext

	// Classifier stage.
	Label         feed.PriorityLabel
	TimeSensitive bool

	// Sentiment stage.
	Sentiment feed.Sentiment

	Note     string
	Fallback bool
}

// Stage is one enrichment signal. Enrich calls the external reasoning
// service and may fail with ErrStageTimeout or ErrStageUnavailable;
// Fallback is the deterministic rule-based path that must always produce a
// valid (if lower-confidence) partial.
type Stage interface {
	Name() string
	Enrich(ctx context.Context, msg feed.Message, sender feed.SenderContext) (Partial, error)
	Fallback(msg feed.Message, sender feed.SenderContext) Partial
}

// stageErr classifies a reasoning-call failure per the error taxonomy.
func stageErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Join(ErrStageTimeout, err)
	}
	return errors.Join(ErrStageUnavailable, err)
}

func truncateContent(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func joinNote(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + " | " + addition
}
