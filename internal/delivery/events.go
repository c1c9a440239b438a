package delivery

import (
	"time"

	"github.com/stellarlinkco/pulsefeed/internal/feed"
)

// Event kinds carried on a user's stream.
const (
	EventNewMessage      = "new_message"
	EventPriorityUpdated = "priority_updated"
	EventSyncStatus      = "sync_status"
)

// Sync states reported via syncStatus events.
const (
	SyncStateSyncing      = "syncing"
	SyncStateIdle         = "idle"
	SyncStateError        = "error"
	SyncStateDisconnected = "disconnected"
)

// Event is the wire shape of one feed event: {"event": ..., "data": ...}.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type NewMessageData struct {
	Message    feed.Message    `json:"message"`
	Enrichment feed.Enrichment `json:"enrichment"`
	Resurfaced bool            `json:"resurfaced,omitempty"`
}

// PriorityUpdatedData may arrive duplicated or out of order; subscribers
// apply it only when ComputedAt is newer than what they hold.
type PriorityUpdatedData struct {
	MessageID     string             `json:"messageId"`
	PriorityScore float64            `json:"priorityScore"`
	PriorityLabel feed.PriorityLabel `json:"priorityLabel"`
	ComputedAt    time.Time          `json:"computedAt"`
}

type SyncStatusData struct {
	Platform string `json:"platform"`
	State    string `json:"state"`
	Error    string `json:"error,omitempty"`
}

func NewMessageEvent(msg feed.Message, enr feed.Enrichment, resurfaced bool) Event {
	return Event{Event: EventNewMessage, Data: NewMessageData{Message: msg, Enrichment: enr, Resurfaced: resurfaced}}
}

func PriorityUpdatedEvent(messageID string, enr feed.Enrichment) Event {
	return Event{Event: EventPriorityUpdated, Data: PriorityUpdatedData{
		MessageID:     messageID,
		PriorityScore: enr.PriorityScore,
		PriorityLabel: enr.PriorityLabel,
		ComputedAt:    enr.ComputedAt,
	}}
}

func SyncStatusEvent(platform, state, errText string) Event {
	return Event{Event: EventSyncStatus, Data: SyncStatusData{Platform: platform, State: state, Error: errText}}
}

// Publisher pushes events onto a user's stream.
type Publisher interface {
	Publish(userID string, ev Event)
}

// Discard is a Publisher that drops everything; useful in tests and tools.
type Discard struct{}

func (Discard) Publish(string, Event) {}
