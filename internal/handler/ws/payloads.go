package ws

import (
	"bytes"
	"encoding/json"

	"chatcore-backend/internal/domain"
	apperrors "chatcore-backend/pkg/errors"
)

// Inbound payloads. Actor fields (Sender, Creator, MsgByUserID, UserID) are optional
// and must name the connection's user when present.

type idPayload struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type directMessagePayload struct {
	Sender      string              `json:"sender"`
	Receiver    string              `json:"receiver"`
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments"`
}

type groupMessagePayload struct {
	ConversationID string              `json:"conversationId"`
	MsgByUserID    string              `json:"msgByUserId"`
	Text           string              `json:"text"`
	Attachments    []domain.Attachment `json:"attachments"`
}

type editMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type createGroupPayload struct {
	Name       string   `json:"name"`
	Members    []string `json:"members"`
	Creator    string   `json:"creator"`
	ProfilePic string   `json:"profilePic"`
}

type groupPayload struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
}

type addMembersPayload struct {
	GroupID string   `json:"groupId"`
	UserID  string   `json:"userId"`
	Members []string `json:"members"`
}

type memberPayload struct {
	GroupID  string `json:"groupId"`
	UserID   string `json:"userId"`
	MemberID string `json:"memberId"`
	Promote  bool   `json:"promote"`
	Mute     bool   `json:"mute"`
}

type groupDetailsPayload struct {
	GroupID    string  `json:"groupId"`
	UserID     string  `json:"userId"`
	Name       *string `json:"name"`
	ProfilePic *string `json:"profilePic"`
}

type transferPayload struct {
	GroupID    string `json:"groupId"`
	UserID     string `json:"userId"`
	NewAdminID string `json:"newAdminId"`
}

type friendRequestPayload struct {
	ReceiverID string `json:"receiverId"`
	RequestID  string `json:"requestId"`
	FriendID   string `json:"friendId"`
}

// friendStatusPayload names the other user in userId
type friendStatusPayload struct {
	UserID string `json:"userId"`
}

type callUserPayload struct {
	ReceiverID string          `json:"receiverId"`
	IsVideo    bool            `json:"isVideo"`
	Offer      json.RawMessage `json:"offer"`
}

type callReplyPayload struct {
	CallerID  string          `json:"callerId"`
	MessageID string          `json:"messageId"`
	Answer    json.RawMessage `json:"answer"`
	Reason    string          `json:"reason"`
}

type endCallPayload struct {
	PartnerID string `json:"partnerId"`
	MessageID string `json:"messageId"`
	Duration  int    `json:"duration"`
}

type iceCandidatePayload struct {
	TargetUserID string          `json:"targetUserId"`
	MessageID    string          `json:"messageId"`
	Candidate    json.RawMessage `json:"candidate"`
}

func decode[T any](data json.RawMessage) (*T, error) {
	var v T
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, apperrors.ValidationError("Payload is required")
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, apperrors.ValidationError("Malformed payload")
	}
	return &v, nil
}

// decodeID accepts either a bare JSON string or an object carrying one of the id fields.
// bare reports whether the payload was a bare string.
func decodeID(data json.RawMessage) (id string, bare bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &id); err != nil {
			return "", false, apperrors.ValidationError("Malformed payload")
		}
		return id, true, nil
	}
	p, err := decode[idPayload](data)
	if err != nil {
		return "", false, err
	}
	for _, v := range []string{p.ID, p.ConversationID, p.UserID} {
		if v != "" {
			return v, false, nil
		}
	}
	return "", false, nil
}
