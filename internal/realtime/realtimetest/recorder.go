// Package realtimetest provides an Emitter that records pushes for assertions.
package realtimetest

import (
	"context"
	"sync"
)

// Push is one recorded delivery. Broadcasts have an empty UserID.
type Push struct {
	UserID string
	Event  string
	Data   any
}

// Recorder implements realtime.Emitter in memory
type Recorder struct {
	mu     sync.Mutex
	pushes []Push
}

// New creates an empty Recorder
func New() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ToUser(_ context.Context, userID, event string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, Push{UserID: userID, Event: event, Data: data})
}

func (r *Recorder) ToUsers(ctx context.Context, userIDs []string, event string, data any) {
	for _, id := range userIDs {
		r.ToUser(ctx, id, event, data)
	}
}

func (r *Recorder) Broadcast(ctx context.Context, event string, data any) {
	r.ToUser(ctx, "", event, data)
}

// Pushes returns every recorded push in order
func (r *Recorder) Pushes() []Push {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Push(nil), r.pushes...)
}

// Events returns the event names pushed to userID, in order
func (r *Recorder) Events(userID string) []string {
	var out []string
	for _, p := range r.Pushes() {
		if p.UserID == userID {
			out = append(out, p.Event)
		}
	}
	return out
}

// Count returns how many times event was pushed to userID
func (r *Recorder) Count(userID, event string) int {
	n := 0
	for _, p := range r.Pushes() {
		if p.UserID == userID && p.Event == event {
			n++
		}
	}
	return n
}

// Last returns the payload of the latest event pushed to userID
func (r *Recorder) Last(userID, event string) (any, bool) {
	pushes := r.Pushes()
	for i := len(pushes) - 1; i >= 0; i-- {
		if pushes[i].UserID == userID && pushes[i].Event == event {
			return pushes[i].Data, true
		}
	}
	return nil, false
}

// Filter returns the payloads of every event pushed to userID, in order
func (r *Recorder) Filter(userID, event string) []any {
	var out []any
	for _, p := range r.Pushes() {
		if p.UserID == userID && p.Event == event {
			out = append(out, p.Data)
		}
	}
	return out
}

// Reset forgets every recorded push
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = nil
}
