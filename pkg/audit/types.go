package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened.
type EventType string

const (
	EventNotificationSent      EventType = "notification.sent"
	EventNotificationFailed    EventType = "notification.failed"
	EventTransportVerified     EventType = "transport.verified"
	EventTransportVerifyFailed EventType = "transport.verify_failed"
)

// Event is a single audit record of a dispatch or verification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Recipient string `json:"recipient,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Host      string `json:"host,omitempty"`

	// Kind is the failure classification for failed events.
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error,omitempty"`
}

// NewEvent returns an event of type t with a fresh ID and UTC timestamp.
func NewEvent(t EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC(),
	}
}

// Failed reports whether the event records a failure.
func (e *Event) Failed() bool {
	return e.Type == EventNotificationFailed || e.Type == EventTransportVerifyFailed
}
