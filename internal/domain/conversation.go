package domain

import (
	"slices"
	"time"
)

// GroupRole is a member's standing inside a group conversation
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleDeputy GroupRole = "deputy"
	RoleMember GroupRole = "member"
	RoleNone   GroupRole = "none"
)

// Conversation is either a direct conversation between two users or a group.
// Direct conversations carry PairKey, unique across the store.
// For groups: OwnerID ∈ MemberIDs, DeputyAdminIDs ⊆ MemberIDs, MutedMemberIDs ⊆ MemberIDs \ {OwnerID}.
type Conversation struct {
	ID      string `json:"_id" bson:"_id"`
	IsGroup bool   `json:"isGroup" bson:"isGroup"`

	// Direct
	PairKey      string `json:"-" bson:"pairKey,omitempty"`
	ParticipantA string `json:"participantA,omitempty" bson:"participantA,omitempty"`
	ParticipantB string `json:"participantB,omitempty" bson:"participantB,omitempty"`

	// Group
	Name           string   `json:"name,omitempty" bson:"name,omitempty"`
	ProfilePic     string   `json:"profilePic,omitempty" bson:"profilePic,omitempty"`
	OwnerID        string   `json:"ownerId,omitempty" bson:"ownerId,omitempty"`
	DeputyAdminIDs []string `json:"deputyAdminIds,omitempty" bson:"deputyAdminIds,omitempty"`
	MemberIDs      []string `json:"memberIds,omitempty" bson:"memberIds,omitempty"`
	MutedMemberIDs []string `json:"mutedMemberIds,omitempty" bson:"mutedMemberIds,omitempty"`

	MessageIDs []string  `json:"messageIds" bson:"messageIds"`
	CreatedAt  time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt" bson:"updatedAt"`
}

// PairKey returns the order-independent key of a user pair
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// NewDirectConversation builds the direct conversation between a and b
func NewDirectConversation(id, a, b string, at time.Time) *Conversation {
	if a > b {
		a, b = b, a
	}
	return &Conversation{
		ID:           id,
		PairKey:      PairKey(a, b),
		ParticipantA: a,
		ParticipantB: b,
		MessageIDs:   []string{},
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// Participants returns everyone who receives pushes for this conversation
func (c *Conversation) Participants() []string {
	if c.IsGroup {
		return slices.Clone(c.MemberIDs)
	}
	return []string{c.ParticipantA, c.ParticipantB}
}

// HasParticipant reports whether userID takes part in the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	if c.IsGroup {
		return slices.Contains(c.MemberIDs, userID)
	}
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Counterpart returns the other participant of a direct conversation
func (c *Conversation) Counterpart(userID string) string {
	if c.ParticipantA == userID {
		return c.ParticipantB
	}
	return c.ParticipantA
}

func (c *Conversation) IsDeputy(userID string) bool {
	return slices.Contains(c.DeputyAdminIDs, userID)
}

func (c *Conversation) IsMuted(userID string) bool {
	return slices.Contains(c.MutedMemberIDs, userID)
}

// RoleOf returns userID's role in a group conversation
func (c *Conversation) RoleOf(userID string) GroupRole {
	switch {
	case !c.IsGroup || !slices.Contains(c.MemberIDs, userID):
		return RoleNone
	case c.OwnerID == userID:
		return RoleOwner
	case c.IsDeputy(userID):
		return RoleDeputy
	default:
		return RoleMember
	}
}

// LastMessageID returns the id of the newest message, or "" for an empty conversation
func (c *Conversation) LastMessageID() string {
	if len(c.MessageIDs) == 0 {
		return ""
	}
	return c.MessageIDs[len(c.MessageIDs)-1]
}

// Clone returns a deep copy of c
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.DeputyAdminIDs = slices.Clone(c.DeputyAdminIDs)
	out.MemberIDs = slices.Clone(c.MemberIDs)
	out.MutedMemberIDs = slices.Clone(c.MutedMemberIDs)
	out.MessageIDs = slices.Clone(c.MessageIDs)
	return &out
}

// ConversationSummary is one row of a user's conversation list
type ConversationSummary struct {
	ID             string    `json:"_id"`
	IsGroup        bool      `json:"isGroup"`
	UserDetails    *User     `json:"userDetails,omitempty"`
	Name           string    `json:"name,omitempty"`
	ProfilePic     string    `json:"profilePic,omitempty"`
	OwnerID        string    `json:"ownerId,omitempty"`
	DeputyAdminIDs []string  `json:"deputyAdminIds,omitempty"`
	MemberIDs      []string  `json:"memberIds,omitempty"`
	MutedMemberIDs []string  `json:"mutedMemberIds,omitempty"`
	LastMessage    *Message  `json:"lastMsg,omitempty"`
	UnseenCount    int       `json:"unseenMsg"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Thread is a conversation with its messages resolved, pushed as `message`/`groupMessage`
type Thread struct {
	*Conversation
	Members  []*User    `json:"members,omitempty"`
	Messages []*Message `json:"messages"`
}
