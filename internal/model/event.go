package model

import "encoding/json"

// EventKind is the routing class of a user-facing event.
type EventKind string

const (
	EventNotification EventKind = "notification"
	EventOrderUpdate  EventKind = "order_update"
)

// Event is a notification or order update produced outside the gateway.
// UserID empty means the event is addressed to every subscriber.
type Event struct {
	Type    EventKind       `json:"type"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}
