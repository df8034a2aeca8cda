package interfaces

import (
	"context"
	"time"
)

// EventType identifies a CAPTCHA / HITL lifecycle event. The set is closed.
type EventType string

const (
	EventTaskCreated        EventType = "task_created"
	EventTaskAssigned       EventType = "task_assigned"
	EventTaskSolving        EventType = "task_solving"
	EventSolved             EventType = "solved"
	EventFailed             EventType = "failed"
	EventUnsolvable         EventType = "unsolvable"
	EventExpired            EventType = "expired"
	EventSessionCached      EventType = "session_cached"
	EventSessionInvalidated EventType = "session_invalidated"
	EventHITLRequired       EventType = "hitl_required"
	EventTicketStored       EventType = "ticket_stored"
)

// CaptchaChannel is the channel all task and ticket lifecycle events are
// published on.
const CaptchaChannel = "captcha_events"

// Event is one message on the bus.
type Event struct {
	Type      EventType      `json:"event"`
	Payload   map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// Domain returns the domain the event relates to, or "" when absent.
func (e Event) Domain() string {
	if e.Payload == nil {
		return ""
	}
	d, _ := e.Payload["domain"].(string)
	return d
}

// Subscription is a live event stream. Close must be called to release the
// subscriber slot; Events is closed afterwards.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// EventService is a named-channel publish/subscribe bus. Events are
// delivered in publication order per channel to each subscriber; there is
// no ordering across channels.
type EventService interface {
	// Publish sends an event on a channel. Never blocks on slow
	// subscribers.
	Publish(ctx context.Context, channel string, event Event) error

	// Subscribe returns a stream of all events on a channel.
	Subscribe(channel string) Subscription

	// SubscribeFiltered returns a stream restricted to one domain and,
	// when types are given, to those event types.
	SubscribeFiltered(channel, domain string, types ...EventType) Subscription

	// WaitFor blocks until an event on the channel satisfies the
	// predicate, the timeout elapses, or the context is done. Returns nil
	// on timeout.
	WaitFor(ctx context.Context, channel string, predicate func(Event) bool, timeout time.Duration) (*Event, error)

	// Close shuts down the bus and closes all subscriptions.
	Close() error
}
