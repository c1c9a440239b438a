package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

const contextSystemPrompt = `You are a relationship intelligence agent. Analyze communication patterns
and determine the sender's relationship with the user.
Respond with valid JSON only. No preamble.`

const contextUserPrompt = `SENDER INFO:
- Name: %s
- Identifier: %s
- Platform: %s

KNOWN STATE:
- Relationship tier: %s
- Historical reply rate: %.2f
- Last interaction: %s

LATEST MESSAGE:
%s

Return JSON:
{
  "relationship_tier": "vip|contact|team|stranger|bot",
  "reply_rate": 0.0,
  "context_summary": "one sentence who this person is",
  "is_vip": false
}`

// ContextStage derives and updates the sender's relationship state.
type ContextStage struct {
	llm Completer

	nowFn func() time.Time
}

func NewContextStage(llm Completer) *ContextStage {
	return &ContextStage{llm: llm, nowFn: time.Now}
}

func (s *ContextStage) Name() string { return StageContext }

func (s *ContextStage) Enrich(ctx context.Context, msg feed.Message, sender feed.SenderContext) (Partial, error) {
	lastSeen := "never"
	if age, ok := sender.LastInteractionAge(s.nowFn()); ok {
		lastSeen = fmt.Sprintf("%.0f hours ago", age.Hours())
	}

	prompt := fmt.Sprintf(contextUserPrompt,
		sender.Name,
		sender.SenderID,
		msg.Platform,
		sender.Tier,
		sender.ReplyRate,
		lastSeen,
		truncateContent(msg.ContentText, 2000),
	)

	raw, err := s.llm.Complete(ctx, contextSystemPrompt, prompt)
	if err != nil {
		return Partial{}, stageErr(ctx, err)
	}

	var result struct {
		RelationshipTier string  `json:"relationship_tier"`
		ReplyRate        float64 `json:"reply_rate"`
		ContextSummary   string  `json:"context_summary"`
		IsVIP            bool    `json:"is_vip"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Partial{}, stageErr(ctx, fmt.Errorf("parse context result: %w", err))
	}

	updated := sender
	if tier := feed.RelationshipTier(result.RelationshipTier); tier.Valid() {
		updated.Tier = tier
	}
	if result.ReplyRate >= 0 && result.ReplyRate <= 1 {
		updated.ReplyRate = result.ReplyRate
	}
	updated.IsVIP = result.IsVIP || updated.Tier == feed.TierVIP
	if result.ContextSummary != "" {
		updated.Summary = result.ContextSummary
	}
	now := s.nowFn().UTC()
	updated.LastInteraction = &now

	log.Printf("[context] sender %s: tier=%s vip=%v", sender.SenderID, updated.Tier, updated.IsVIP)

	return Partial{
		Stage:  StageContext,
		Sender: &updated,
		Note:   result.ContextSummary,
	}, nil
}

// Fallback keeps whatever relationship state is already known and only
// applies cheap heuristics: automated sender names become bots, everyone
// unknown stays a stranger.
func (s *ContextStage) Fallback(msg feed.Message, sender feed.SenderContext) Partial {
	updated := sender
	id := strings.ToLower(sender.SenderID + " " + sender.Name)
	switch {
	case containsAny(id, []string{"noreply", "no-reply", "notifications", "mailer", "bot"}):
		updated.Tier = feed.TierBot
		updated.IsVIP = false
	case updated.Tier == "":
		updated.Tier = feed.TierStranger
	}
	now := s.nowFn().UTC()
	updated.LastInteraction = &now

	return Partial{
		Stage:    StageContext,
		Sender:   &updated,
		Fallback: true,
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
