// Package events publishes domain events describing completed mutations.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types
const (
	TypeMessageCreated = "message.created"
	TypeMessageEdited  = "message.edited"
	TypeMessageDeleted = "message.deleted"
	TypeGroupDeleted   = "group.deleted"
	TypeCallEnded      = "call.ended"
)

// Event is one domain event. Key orders events of the same conversation.
type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	ActorID    string    `json:"actorId"`
	Payload    any       `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher hands events to the event stream. Publish never blocks on the broker
// and never fails the caller; delivery problems are logged by the implementation.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
	Close() error
}

// Noop discards every event
type Noop struct{}

func (Noop) Publish(context.Context, Event) {}

func (Noop) Close() error { return nil }

// Memory keeps published events in order, for tests and local runs
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *Memory) Close() error { return nil }

// Types returns the types of the published events, in order
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

// Events returns a copy of the published events
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
