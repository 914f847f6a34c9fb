package domain

import "time"

// FriendRequestStatus is stored on the request; rejected and cancelled requests are deleted instead.
type FriendRequestStatus string

const (
	FriendPending  FriendRequestStatus = "pending"
	FriendAccepted FriendRequestStatus = "accepted"
)

// FriendRequest records a request between two users. At most one exists per unordered pair;
// once accepted it is the friendship itself.
type FriendRequest struct {
	ID         string              `json:"_id" bson:"_id"`
	SenderID   string              `json:"sender" bson:"senderId"`
	ReceiverID string              `json:"receiver" bson:"receiverId"`
	PairKey    string              `json:"-" bson:"pairKey"`
	Status     FriendRequestStatus `json:"status" bson:"status"`
	CreatedAt  time.Time           `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time           `json:"updatedAt" bson:"updatedAt"`
}

// Other returns the participant of the request who is not userID
func (r *FriendRequest) Other(userID string) string {
	if r.SenderID == userID {
		return r.ReceiverID
	}
	return r.SenderID
}

// FriendStatus is the relationship between two users as seen by one of them
type FriendStatus string

const (
	FriendStatusNone            FriendStatus = "none"
	FriendStatusPendingSent     FriendStatus = "pending-sent"
	FriendStatusPendingReceived FriendStatus = "pending-received"
	FriendStatusFriends         FriendStatus = "friends"
)

// FriendStatusView answers checkFriendStatus
type FriendStatusView struct {
	UserID    string       `json:"userId"`
	Status    FriendStatus `json:"status"`
	RequestID string       `json:"requestId,omitempty"`
	IsSender  bool         `json:"isSender"`
}
