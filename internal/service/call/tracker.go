package call

import (
	"encoding/json"
	"sync"
	"time"

	"chatcore-backend/pkg/metrics"
)

type phase int

const (
	phaseRinging phase = iota
	// answered, buffered candidates still being delivered
	phaseFlushing
	phaseAccepted
)

// trackedCall is the in-process view of a live call, keyed by its trace message id
type trackedCall struct {
	messageID      string
	conversationID string
	callerID       string
	receiverID     string
	phase          phase
	startedAt      time.Time
	answeredAt     time.Time
	pending        []json.RawMessage
}

func (c *trackedCall) partner(userID string) string {
	if c.callerID == userID {
		return c.receiverID
	}
	return c.callerID
}

// tracker holds live calls handled by this instance
type tracker struct {
	mu    sync.Mutex
	calls map[string]*trackedCall
}

func newTracker() *tracker {
	return &tracker{calls: make(map[string]*trackedCall)}
}

func (t *tracker) start(c *trackedCall) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.messageID]; !ok {
		metrics.ActiveCalls.Inc()
	}
	t.calls[c.messageID] = c
}

// buffer keeps a caller candidate until the buffered ones ahead of it are delivered.
// It reports false when the candidate should be delivered right away.
func (t *tracker) buffer(messageID, fromID, toID string, candidate json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[messageID]
	if !ok || c.phase == phaseAccepted || c.callerID != fromID || c.receiverID != toID {
		return false
	}
	c.pending = append(c.pending, candidate)
	return true
}

// accept marks the call answered and starts the flush. Candidates keep buffering
// until drain finds nothing left.
func (t *tracker) accept(messageID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[messageID]
	if !ok {
		return
	}
	c.phase = phaseFlushing
	c.answeredAt = at
}

// drain hands back the buffered candidates in receipt order. Once none are left the
// call is accepted and later candidates go straight through.
func (t *tracker) drain(messageID string) []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[messageID]
	if !ok {
		return nil
	}
	pending := c.pending
	c.pending = nil
	if len(pending) == 0 {
		c.phase = phaseAccepted
	}
	return pending
}

// finish forgets the call and returns what was tracked, if anything
func (t *tracker) finish(messageID string) (*trackedCall, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[messageID]
	if ok {
		delete(t.calls, messageID)
		metrics.ActiveCalls.Dec()
	}
	return c, ok
}

// takeFor removes and returns every call userID takes part in
func (t *tracker) takeFor(userID string) []*trackedCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*trackedCall
	for id, c := range t.calls {
		if c.callerID == userID || c.receiverID == userID {
			out = append(out, c)
			delete(t.calls, id)
			metrics.ActiveCalls.Dec()
		}
	}
	return out
}

func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
