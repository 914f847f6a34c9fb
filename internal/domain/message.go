package domain

import (
	"slices"
	"time"
)

// MessageKind distinguishes user content from generated notices
type MessageKind string

const (
	KindNormal MessageKind = "normal"
	KindSystem MessageKind = "system"
	KindCall   MessageKind = "call"
)

// Attachment describes an uploaded file referenced by a message
type Attachment struct {
	URL      string `json:"url" bson:"url"`
	MimeType string `json:"mimeType,omitempty" bson:"mimeType,omitempty"`
	Filename string `json:"filename,omitempty" bson:"filename,omitempty"`
}

// Message belongs to exactly one conversation and keeps its position in
// Conversation.MessageIDs for its whole life, soft delete included.
type Message struct {
	ID             string       `json:"_id" bson:"_id"`
	ConversationID string       `json:"conversationId" bson:"conversationId"`
	Kind           MessageKind  `json:"kind" bson:"kind"`
	Text           string       `json:"text" bson:"text"`
	Attachments    []Attachment `json:"attachments" bson:"attachments"`
	SenderID       string       `json:"msgByUserId" bson:"senderId"`

	// Seen is used in direct conversations, SeenBy in groups.
	Seen   bool     `json:"seen" bson:"seen"`
	SeenBy []string `json:"seenBy,omitempty" bson:"seenBy,omitempty"`

	IsDeleted    bool   `json:"isDeleted" bson:"isDeleted"`
	IsEdited     bool   `json:"isEdited" bson:"isEdited"`
	OriginalText string `json:"originalText,omitempty" bson:"originalText,omitempty"`

	Call *CallInfo `json:"call,omitempty" bson:"call,omitempty"`

	CreatedAt time.Time `json:"createdAt" bson:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// IsSeenBy reports whether viewerID has seen the message.
// A user has always seen their own messages.
func (m *Message) IsSeenBy(viewerID string, isGroup bool) bool {
	if m.SenderID == viewerID {
		return true
	}
	if isGroup {
		return slices.Contains(m.SeenBy, viewerID)
	}
	return m.Seen
}

// Clone returns a deep copy of m
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Attachments = slices.Clone(m.Attachments)
	out.SeenBy = slices.Clone(m.SeenBy)
	if m.Call != nil {
		call := *m.Call
		out.Call = &call
	}
	return &out
}
