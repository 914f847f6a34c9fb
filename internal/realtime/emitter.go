// Package realtime defines how services push named events to connected users.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Emitter delivers events to every live connection of a user.
// Delivery is fire-and-forget: frames for offline users are dropped.
type Emitter interface {
	ToUser(ctx context.Context, userID, event string, data any)
	ToUsers(ctx context.Context, userIDs []string, event string, data any)
	Broadcast(ctx context.Context, event string, data any)
}

// Envelope is the frame exchanged over the websocket in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds the frame for event carrying data
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// ErrorPayload is the body of every error event
type ErrorPayload struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Unique returns ids without duplicates or empty entries, preserving first occurrence order
func Unique(ids ...string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
