package feed

import (
	"time"
)

// Platform identifiers understood by the adapter registry.
const (
	PlatformGmail    = "gmail"
	PlatformSlack    = "slack"
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// RelationshipTier ranks how close a sender is to the user.
type RelationshipTier string

const (
	TierVIP      RelationshipTier = "vip"
	TierContact  RelationshipTier = "contact"
	TierTeam     RelationshipTier = "team"
	TierStranger RelationshipTier = "stranger"
	TierBot      RelationshipTier = "bot"
)

func (t RelationshipTier) Valid() bool {
	switch t {
	case TierVIP, TierContact, TierTeam, TierStranger, TierBot:
		return true
	}
	return false
}

// PriorityLabel is the coarse bucket a message lands in after scoring.
type PriorityLabel string

const (
	LabelUrgent PriorityLabel = "urgent"
	LabelAction PriorityLabel = "action"
	LabelFYI    PriorityLabel = "fyi"
	LabelSocial PriorityLabel = "social"
	LabelSpam   PriorityLabel = "spam"
)

func (l PriorityLabel) Valid() bool {
	switch l {
	case LabelUrgent, LabelAction, LabelFYI, LabelSocial, LabelSpam:
		return true
	}
	return false
}

// Sentiment is the emotional tone detected in a message.
type Sentiment string

const (
	SentimentPositive   Sentiment = "positive"
	SentimentNeutral    Sentiment = "neutral"
	SentimentTense      Sentiment = "tense"
	SentimentUrgent     Sentiment = "urgent"
	SentimentDistressed Sentiment = "distressed"
)

func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentTense, SentimentUrgent, SentimentDistressed:
		return true
	}
	return false
}

// Identity is the idempotence key for a message: the same tuple arriving
// twice refers to the same message, no matter how it arrived.
type Identity struct {
	UserID            string
	Platform          string
	PlatformMessageID string
}

func (id Identity) Key() string {
	return id.UserID + "/" + id.Platform + "/" + id.PlatformMessageID
}

// Message is the canonical representation of one inbound communication.
// Once persisted it is owned by the feed store; the orchestrator only ever
// holds a transient copy during enrichment.
type Message struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Platform          string     `json:"platform"`
	PlatformMessageID string     `json:"platformMessageId"`
	ThreadID          string     `json:"threadId"`
	SenderID          string     `json:"senderId"`
	SenderName        string     `json:"senderName,omitempty"`
	ContentText       string     `json:"contentText"`
	ReceivedAt        time.Time  `json:"receivedAt"`
	IsRead            bool       `json:"isRead"`
	IsDone            bool       `json:"isDone"`
	SnoozedUntil      *time.Time `json:"snoozedUntil,omitempty"`
}

func (m *Message) Identity() Identity {
	return Identity{UserID: m.UserID, Platform: m.Platform, PlatformMessageID: m.PlatformMessageID}
}

// SenderContext is the relationship state for one sender, scoped to a user.
// It is shared across all messages from that sender and only the context
// enrichment stage writes to it.
type SenderContext struct {
	UserID          string           `json:"userId"`
	SenderID        string           `json:"senderId"`
	Name            string           `json:"name,omitempty"`
	Tier            RelationshipTier `json:"relationshipTier"`
	IsVIP           bool             `json:"isVip"`
	ReplyRate       float64          `json:"historicalReplyRate"`
	LastInteraction *time.Time       `json:"lastInteraction,omitempty"`
	Summary         string           `json:"summary,omitempty"`
}

// DefaultSenderContext is the state assumed for a sender nothing is known
// about yet.
func DefaultSenderContext(userID, senderID, name string) SenderContext {
	return SenderContext{
		UserID:   userID,
		SenderID: senderID,
		Name:     name,
		Tier:     TierStranger,
	}
}

// LastInteractionAge reports how long ago the sender was last heard from,
// or false when there is no recorded interaction.
func (s *SenderContext) LastInteractionAge(now time.Time) (time.Duration, bool) {
	if s.LastInteraction == nil {
		return 0, false
	}
	return now.Sub(*s.LastInteraction), true
}

// Enrichment is the AI-or-fallback-derived annotation attached to a message.
// Every persisted message carries exactly one current enrichment;
// re-enrichment replaces it atomically.
type Enrichment struct {
	PriorityScore float64       `json:"priorityScore"`
	PriorityLabel PriorityLabel `json:"priorityLabel"`
	Sentiment     Sentiment     `json:"sentiment"`
	ContextNote   string        `json:"contextNote,omitempty"`
	LowConfidence bool          `json:"lowConfidence"`
	ComputedAt    time.Time     `json:"computedAt"`
}

// Entry pairs a message with its current enrichment, as returned by
// ranked-feed and thread queries.
type Entry struct {
	Message    Message    `json:"message"`
	Enrichment Enrichment `json:"enrichment"`
}

// ThreadStats summarizes activity in a thread for the scoring engine.
type ThreadStats struct {
	Total  int
	Recent int
}

// SyncCursor is the per (user, platform) watermark of the last successfully
// processed raw message. Advancing it only after jobs are enqueued keeps
// adapter polling replay-safe.
type SyncCursor struct {
	UserID    string
	Platform  string
	Cursor    string
	UpdatedAt time.Time
}
