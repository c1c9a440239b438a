package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

const sentimentSystemPrompt = `You detect emotional tone in messages to help users approach
sensitive conversations appropriately.
Respond with JSON only.`

const sentimentUserPrompt = `MESSAGE: %s
SENDER: %s (%s)
PLATFORM: %s

Tone options:
- positive: Warm, appreciative, excited
- neutral: Factual, professional, routine
- tense: Frustrated, disappointed, formal complaint
- urgent: Panicked, overwhelmed, needs immediate help
- distressed: Significant distress or crisis signals

Return JSON:
{
  "sentiment": "positive|neutral|tense|urgent|distressed",
  "note": "one short phrase, optional"
}`

// SentimentStage detects the emotional tone of a message.
type SentimentStage struct {
	llm Completer
}

func NewSentimentStage(llm Completer) *SentimentStage {
	return &SentimentStage{llm: llm}
}

func (s *SentimentStage) Name() string { return StageSentiment }

func (s *SentimentStage) Enrich(ctx context.Context, msg feed.Message, sender feed.SenderContext) (Partial, error) {
	prompt := fmt.Sprintf(sentimentUserPrompt,
		truncateContent(msg.ContentText, 2000),
		sender.Name,
		sender.Tier,
		msg.Platform,
	)

	raw, err := s.llm.Complete(ctx, sentimentSystemPrompt, prompt)
	if err != nil {
		return Partial{}, stageErr(ctx, err)
	}

	var result struct {
		Sentiment string `json:"sentiment"`
		Note      string `json:"note"`
	}
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Partial{}, stageErr(ctx, fmt.Errorf("parse sentiment result: %w", err))
	}

	sentiment := feed.Sentiment(result.Sentiment)
	if !sentiment.Valid() {
		sentiment = feed.SentimentNeutral
	}

	log.Printf("[sentiment] message %s: %s", msg.PlatformMessageID, sentiment)

	return Partial{
		Stage:     StageSentiment,
		Sentiment: sentiment,
		Note:      result.Note,
	}, nil
}

// Fallback detects tone from keyword lists, strongest signal first.
func (s *SentimentStage) Fallback(msg feed.Message, _ feed.SenderContext) Partial {
	content := strings.ToLower(msg.ContentText)

	sentiment := feed.SentimentNeutral
	switch {
	case containsAny(content, []string{"please help", "emergency", "crisis", "desperate", "struggling", "worried sick"}):
		sentiment = feed.SentimentDistressed
	case containsAny(content, []string{"asap", "immediately", "right now", "can't wait", "time is running out"}):
		sentiment = feed.SentimentUrgent
	case containsAny(content, []string{"disappointed", "frustrated", "unacceptable", "complaint", "not happy", "angry", "furious"}):
		sentiment = feed.SentimentTense
	case containsAny(content, []string{"thank you", "thanks", "great", "awesome", "love", "appreciate", "wonderful"}):
		sentiment = feed.SentimentPositive
	}

	return Partial{
		Stage:     StageSentiment,
		Sentiment: sentiment,
		Fallback:  true,
	}
}
