package domain

// CallStatus is the status recorded on a call's trace message
type CallStatus string

const (
	CallRinging    CallStatus = "ringing"
	CallInProgress CallStatus = "in-progress"
	CallCompleted  CallStatus = "completed"
	CallRejected   CallStatus = "rejected"
	CallMissed     CallStatus = "missed"
)

// Terminal reports whether no further transition is allowed.
// A trace is created missed and moves to ringing once the receiver has been notified,
// so missed is only ever observed as a final outcome.
func (s CallStatus) Terminal() bool {
	return s == CallCompleted || s == CallRejected || s == CallMissed
}

// CallInfo annotates a KindCall message
type CallInfo struct {
	CallerID        string     `json:"callerId" bson:"callerId"`
	ReceiverID      string     `json:"receiverId" bson:"receiverId"`
	IsVideo         bool       `json:"isVideo" bson:"isVideo"`
	Status          CallStatus `json:"status" bson:"status"`
	DurationSeconds int        `json:"duration" bson:"durationSeconds"`
}

// Partner returns the other party of the call
func (c *CallInfo) Partner(userID string) string {
	if c.CallerID == userID {
		return c.ReceiverID
	}
	return c.CallerID
}

// Involves reports whether userID is the caller or the receiver
func (c *CallInfo) Involves(userID string) bool {
	return userID != "" && (c.CallerID == userID || c.ReceiverID == userID)
}
