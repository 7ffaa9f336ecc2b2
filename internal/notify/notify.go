// Package notify fans conversation events out to observers: live UI
// streams, other replicas and operator alert channels. Publishing is
// fire-and-forget; a failing observer never fails the caller.
package notify

import (
	"context"
	"time"
)

// Event types.
const (
	EventNewMessage         = "new_message"
	EventMessageStatus      = "message_status"
	EventStateChanged       = "state_changed"
	EventTransitionRejected = "transition_rejected"
	EventAlert              = "alert"
)

// Event is a single notification.
type Event struct {
	Type           string    `json:"event"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher delivers events to observers.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Fanout publishes to every wrapped publisher in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Alert builds an operator alert event.
func Alert(conversationID, kind, detail string) Event {
	return Event{
		Type:           EventAlert,
		ConversationID: conversationID,
		Payload: map[string]string{
			"kind":   kind,
			"detail": detail,
		},
	}
}
