package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

const classifierSystemPrompt = `You are a message priority classifier.
Respond with valid JSON only.`

const classifierUserPrompt = `SENDER: %s | reply rate: %.2f | VIP: %v
PLATFORM: %s
TIME: %s

MESSAGE:
%s

LABELS:
- urgent: Requires response within hours, time-sensitive
- action: Requires response, not immediately critical
- fyi: Informational, no response needed
- social: Casual, low professional priority
- spam: Unsolicited, promotional, low value

Return JSON:
{
  "label": "urgent|action|fyi|social|spam",
  "time_sensitive": true,
  "reasoning": "one sentence max"
}`

// ClassifierStage tags messages with a priority label. The numeric score is
// owned by the scoring engine; the classifier only contributes the label
// and time sensitivity.
type ClassifierStage struct {
	llm Completer
}

func NewClassifierStage(llm Completer) *ClassifierStage {
	return &ClassifierStage{llm: llm}
}

func (s *ClassifierStage) Name() string { return StageClassifier }

func (s *ClassifierStage) Enrich(ctx context.Context, msg feed.Message, sender feed.SenderContext) (Partial, error) {
	prompt := fmt.Sprintf(classifierUserPrompt,
		sender.Tier,
		sender.ReplyRate,
		sender.IsVIP,
		msg.Platform,
		msg.ReceivedAt.UTC().Format("2006-01-02 15:04:05"),
		truncateContent(msg.ContentText, 2000),
	)

	raw, err := s.llm.Complete(ctx, classifierSystemPrompt, prompt)
	if err != nil {
		return Partial{}, stageErr(ctx, err)
	}

	var result struct {
		Label         string `json:"label"`
		TimeSensitive bool   `json:"time_sensitive"`
		Reasoning     string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Partial{}, stageErr(ctx, fmt.Errorf("parse classifier result: %w", err))
	}

	label := feed.PriorityLabel(result.Label)
	if !label.Valid() {
		label = feed.LabelFYI
	}

	log.Printf("[classifier] message %s: label=%s", msg.PlatformMessageID, label)

	return Partial{
		Stage:         StageClassifier,
		Label:         label,
		TimeSensitive: result.TimeSensitive,
		Note:          result.Reasoning,
	}, nil
}

// Fallback classifies by sender tier and urgency keywords alone.
func (s *ClassifierStage) Fallback(msg feed.Message, sender feed.SenderContext) Partial {
	content := strings.ToLower(msg.ContentText)

	label := feed.LabelFYI
	switch {
	case sender.Tier == feed.TierBot:
		label = feed.LabelSpam
	case containsAny(content, []string{"unsubscribe", "promotional", "limited offer"}):
		label = feed.LabelSpam
	case containsAny(content, []string{"asap", "urgent", "emergency", "immediately", "critical"}):
		label = feed.LabelUrgent
	case containsAny(content, []string{"can you", "could you", "please", "deadline", "review"}):
		label = feed.LabelAction
	case sender.Tier == feed.TierVIP || sender.Tier == feed.TierContact:
		label = feed.LabelAction
	}

	return Partial{
		Stage:    StageClassifier,
		Label:    label,
		Fallback: true,
	}
}
