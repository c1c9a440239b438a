package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

// fakeCompleter returns a canned response or error.
type fakeCompleter struct {
	response string
	err      error
	lastSys  string
	lastUser string
}

func (c *fakeCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.lastSys = system
	c.lastUser = prompt
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}

func sampleMessage(text string) feed.Message {
	return feed.Message{
		UserID:            "u1",
		Platform:          "telegram",
		PlatformMessageID: "1:1",
		SenderID:          "sender-1",
		SenderName:        "Alice",
		ContentText:       text,
		ReceivedAt:        time.Now().UTC(),
	}
}

func sampleSender(tier feed.RelationshipTier) feed.SenderContext {
	return feed.SenderContext{UserID: "u1", SenderID: "sender-1", Name: "Alice", Tier: tier, ReplyRate: 0.5}
}

func TestContextStageEnrich(t *testing.T) {
	llm := &fakeCompleter{response: `{
		"relationship_tier": "vip",
		"reply_rate": 0.85,
		"context_summary": "Your manager",
		"is_vip": true
	}`}
	stage := NewContextStage(llm)

	p, err := stage.Enrich(context.Background(), sampleMessage("hi"), sampleSender(feed.TierContact))
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if p.Stage != StageContext {
		t.Errorf("stage = %q", p.Stage)
	}
	if p.Sender == nil {
		t.Fatal("no sender update")
	}
	if p.Sender.Tier != feed.TierVIP || !p.Sender.IsVIP || p.Sender.ReplyRate != 0.85 {
		t.Errorf("sender = %+v", p.Sender)
	}
	if p.Sender.Summary != "Your manager" {
		t.Errorf("summary = %q", p.Sender.Summary)
	}
	if p.Sender.LastInteraction == nil {
		t.Error("LastInteraction not touched")
	}
}

func TestContextStageIgnoresInvalidFields(t *testing.T) {
	llm := &fakeCompleter{response: `{"relationship_tier": "bestie", "reply_rate": 7.5}`}
	stage := NewContextStage(llm)

	sender := sampleSender(feed.TierContact)
	p, err := stage.Enrich(context.Background(), sampleMessage("hi"), sender)
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if p.Sender.Tier != feed.TierContact {
		t.Errorf("invalid tier applied: %s", p.Sender.Tier)
	}
	if p.Sender.ReplyRate != 0.5 {
		t.Errorf("out-of-range reply rate applied: %v", p.Sender.ReplyRate)
	}
}

func TestContextStagePinnedClock(t *testing.T) {
	pinned := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	llm := &fakeCompleter{response: `{"relationship_tier": "contact"}`}
	stage := NewContextStage(llm)
	stage.nowFn = func() time.Time { return pinned }

	sender := sampleSender(feed.TierContact)
	seen := pinned.Add(-3 * time.Hour)
	sender.LastInteraction = &seen

	p, err := stage.Enrich(context.Background(), sampleMessage("hi"), sender)
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if !strings.Contains(llm.lastUser, "3 hours ago") {
		t.Errorf("prompt did not report the interaction age:\n%s", llm.lastUser)
	}
	if !p.Sender.LastInteraction.Equal(pinned) {
		t.Errorf("LastInteraction = %v, want %v", p.Sender.LastInteraction, pinned)
	}

	fb := stage.Fallback(sampleMessage("hi"), sender)
	if !fb.Sender.LastInteraction.Equal(pinned) {
		t.Errorf("fallback LastInteraction = %v, want %v", fb.Sender.LastInteraction, pinned)
	}
}

func TestContextStageFallback(t *testing.T) {
	stage := NewContextStage(nil)

	bot := feed.SenderContext{SenderID: "noreply@example.com", Name: "Notifications"}
	p := stage.Fallback(sampleMessage("weekly digest"), bot)
	if !p.Fallback {
		t.Error("Fallback flag not set")
	}
	if p.Sender.Tier != feed.TierBot {
		t.Errorf("tier = %s, want bot for an automated sender", p.Sender.Tier)
	}

	unknown := feed.SenderContext{SenderID: "47"}
	p = stage.Fallback(sampleMessage("hello"), unknown)
	if p.Sender.Tier != feed.TierStranger {
		t.Errorf("tier = %s, want stranger for an unknown sender", p.Sender.Tier)
	}

	// Known senders keep their tier.
	p = stage.Fallback(sampleMessage("hello"), sampleSender(feed.TierVIP))
	if p.Sender.Tier != feed.TierVIP {
		t.Errorf("tier = %s, known tier should survive the fallback", p.Sender.Tier)
	}
}

func TestClassifierStageEnrich(t *testing.T) {
	llm := &fakeCompleter{response: `{"label": "urgent", "time_sensitive": true, "reasoning": "deadline today"}`}
	stage := NewClassifierStage(llm)

	p, err := stage.Enrich(context.Background(), sampleMessage("need this today"), sampleSender(feed.TierContact))
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if p.Label != feed.LabelUrgent || !p.TimeSensitive {
		t.Errorf("partial = %+v", p)
	}
	if p.Note != "deadline today" {
		t.Errorf("note = %q", p.Note)
	}
}

func TestClassifierStageInvalidLabel(t *testing.T) {
	llm := &fakeCompleter{response: `{"label": "mega-urgent"}`}
	stage := NewClassifierStage(llm)

	p, err := stage.Enrich(context.Background(), sampleMessage("hi"), sampleSender(feed.TierContact))
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if p.Label != feed.LabelFYI {
		t.Errorf("label = %s, want fyi for an unknown label", p.Label)
	}
}

func TestClassifierStageFallbackRules(t *testing.T) {
	stage := NewClassifierStage(nil)

	cases := []struct {
		name   string
		text   string
		sender feed.SenderContext
		want   feed.PriorityLabel
	}{
		{"bot sender", "your report is ready", sampleSender(feed.TierBot), feed.LabelSpam},
		{"promo content", "click to unsubscribe", sampleSender(feed.TierStranger), feed.LabelSpam},
		{"urgent keywords", "this is urgent, reply asap", sampleSender(feed.TierStranger), feed.LabelUrgent},
		{"ask keywords", "could you review the doc", sampleSender(feed.TierStranger), feed.LabelAction},
		{"vip default", "lunch tomorrow?", sampleSender(feed.TierVIP), feed.LabelAction},
		{"stranger default", "hello", sampleSender(feed.TierStranger), feed.LabelFYI},
	}
	for _, tc := range cases {
		p := stage.Fallback(sampleMessage(tc.text), tc.sender)
		if !p.Fallback {
			t.Errorf("%s: Fallback flag not set", tc.name)
		}
		if p.Label != tc.want {
			t.Errorf("%s: label = %s, want %s", tc.name, p.Label, tc.want)
		}
	}
}

func TestSentimentStageEnrich(t *testing.T) {
	llm := &fakeCompleter{response: `{"sentiment": "tense", "note": "frustrated tone"}`}
	stage := NewSentimentStage(llm)

	p, err := stage.Enrich(context.Background(), sampleMessage("this is unacceptable"), sampleSender(feed.TierContact))
	if err != nil {
		t.Fatalf("Enrich error: %v", err)
	}
	if p.Sentiment != feed.SentimentTense {
		t.Errorf("sentiment = %s, want tense", p.Sentiment)
	}
}

func TestSentimentStageFallbackCascade(t *testing.T) {
	stage := NewSentimentStage(nil)

	cases := []struct {
		text string
		want feed.Sentiment
	}{
		{"please help, this is an emergency", feed.SentimentDistressed},
		{"need this immediately", feed.SentimentUrgent},
		{"I am very disappointed with this", feed.SentimentTense},
		{"thank you so much!", feed.SentimentPositive},
		{"meeting moved to 3pm", feed.SentimentNeutral},
	}
	for _, tc := range cases {
		p := stage.Fallback(sampleMessage(tc.text), feed.SenderContext{})
		if p.Sentiment != tc.want {
			t.Errorf("Fallback(%q) = %s, want %s", tc.text, p.Sentiment, tc.want)
		}
	}
}

func TestStageErrClassification(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("boom")}
	stage := NewClassifierStage(llm)

	_, err := stage.Enrich(context.Background(), sampleMessage("hi"), sampleSender(feed.TierContact))
	if !errors.Is(err, ErrStageUnavailable) {
		t.Errorf("healthy ctx: err = %v, want ErrStageUnavailable", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stage.Enrich(ctx, sampleMessage("hi"), sampleSender(feed.TierContact))
	if !errors.Is(err, ErrStageTimeout) {
		t.Errorf("cancelled ctx: err = %v, want ErrStageTimeout", err)
	}
}

func TestStageErrOnGarbageJSON(t *testing.T) {
	llm := &fakeCompleter{response: "sorry, I cannot help with that"}
	stage := NewSentimentStage(llm)

	_, err := stage.Enrich(context.Background(), sampleMessage("hi"), sampleSender(feed.TierContact))
	if !errors.Is(err, ErrStageUnavailable) {
		t.Errorf("err = %v, want ErrStageUnavailable on unparseable output", err)
	}
}
