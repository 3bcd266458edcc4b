// Package events carries dialog lifecycle events from the signaling core to
// external listeners (webhooks, AMQP, live websocket clients).
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Dialog lifecycle event names
const (
	DialogCreated      = "dialog.created"
	DialogEstablished  = "dialog.established"
	DialogMediaPaused  = "dialog.media_paused"
	DialogMediaResumed = "dialog.media_resumed"
	DialogTerminated   = "dialog.terminated"
	DialogFailed       = "dialog.failed"
)

// Termination and failure reasons
const (
	ReasonBye           = "bye"
	ReasonAckTimeout    = "ack_timeout"
	ReasonShutdown      = "shutdown"
	ReasonCallError     = "call_error"
	ReasonWriteError    = "write_error"
	ReasonInternalError = "internal_error"
)

// Event is a single dialog lifecycle notification.
type Event struct {
	ID         string                 `json:"id"`
	Event      string                 `json:"event"`
	CallID     string                 `json:"call_id"`
	LocalTag   string                 `json:"local_tag,omitempty"`
	RemoteTag  string                 `json:"remote_tag,omitempty"`
	State      string                 `json:"state,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Profile    string                 `json:"profile,omitempty"`
	RemoteAddr string                 `json:"remote_addr,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// New stamps an event with an ID and the current time.
func New(name, callID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Event:     name,
		CallID:    callID,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier receives dialog events. Implementations must not block the caller
// on network I/O.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, event Event)

// Notify calls f(ctx, event).
func (f NotifierFunc) Notify(ctx context.Context, event Event) {
	f(ctx, event)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) {})

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

// Notify delivers event to every notifier.
func (m Multi) Notify(ctx context.Context, event Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, event)
		}
	}
}
