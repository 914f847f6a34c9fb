package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/events"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/service"
	"chatcore-backend/internal/service/conversation"
	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/metrics"
	"chatcore-backend/pkg/sanitize"
)

// Service handles the message pipeline: send, edit, soft delete and seen tracking
type Service struct {
	store   *repository.Store
	fanout  *conversation.Service
	emitter realtime.Emitter
	events  events.Publisher
	now     func() time.Time
}

// NewService creates a new chat service
func NewService(
	store *repository.Store,
	fanout *conversation.Service,
	emitter realtime.Emitter,
	publisher events.Publisher,
) *Service {
	return &Service{
		store:   store,
		fanout:  fanout,
		emitter: emitter,
		events:  publisher,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SendDirectInput contains a message for another user
type SendDirectInput struct {
	SenderID    string
	ReceiverID  string
	Text        string
	Attachments []domain.Attachment
}

// SendDirect stores a message in the direct conversation between sender and receiver,
// creating the conversation on the first message.
func (s *Service) SendDirect(ctx context.Context, input *SendDirectInput) (*domain.Message, error) {
	if input.ReceiverID == "" {
		return nil, apperrors.ValidationError("receiver is required")
	}
	if input.ReceiverID == input.SenderID {
		return nil, apperrors.InvalidTargetError("You cannot message yourself")
	}
	text, attachments, err := normalizeContent(input.Text, input.Attachments)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Users.GetByID(ctx, input.ReceiverID); err != nil {
		return nil, service.Lookup(ctx, "chat.send.receiver", "User", err)
	}

	now := s.now()
	msg := &domain.Message{
		ID:          uuid.NewString(),
		Kind:        domain.KindNormal,
		Text:        text,
		Attachments: attachments,
		SenderID:    input.SenderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		conv, _, err := s.store.Conversations.FindOrCreateDirect(ctx, input.SenderID, input.ReceiverID, now)
		if err != nil {
			return err
		}
		msg.ConversationID = conv.ID
		return s.store.PostMessage(ctx, msg)
	})
	if err != nil {
		return nil, service.StoreError(ctx, "chat.send.direct", err)
	}

	metrics.ChatMessageCreatedTotal.WithLabelValues(string(domain.KindNormal), "direct").Inc()
	s.publish(ctx, events.TypeMessageCreated, input.SenderID, msg)
	s.fanout.Publish(ctx, msg.ConversationID)
	return msg, nil
}

// SendGroupInput contains a message for a group
type SendGroupInput struct {
	ConversationID string
	SenderID       string
	Text           string
	Attachments    []domain.Attachment
}

// SendGroup stores a message in a group the sender belongs to and is not muted in
func (s *Service) SendGroup(ctx context.Context, input *SendGroupInput) (*domain.Message, error) {
	text, attachments, err := normalizeContent(input.Text, input.Attachments)
	if err != nil {
		return nil, err
	}

	conv, err := s.store.Conversations.GetByID(ctx, input.ConversationID)
	if err != nil {
		return nil, service.Lookup(ctx, "chat.send.group", "Group", err)
	}
	if !conv.IsGroup {
		return nil, apperrors.NotFoundError("Group")
	}
	if !conv.HasParticipant(input.SenderID) {
		return nil, apperrors.ForbiddenError("You are not a member of this group")
	}
	if conv.IsMuted(input.SenderID) {
		return nil, apperrors.ForbiddenError("You have been muted in this group")
	}

	now := s.now()
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Kind:           domain.KindNormal,
		Text:           text,
		Attachments:    attachments,
		SenderID:       input.SenderID,
		SeenBy:         []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PostMessage(ctx, msg); err != nil {
		return nil, service.StoreError(ctx, "chat.send.group", err)
	}

	metrics.ChatMessageCreatedTotal.WithLabelValues(string(domain.KindNormal), "group").Inc()
	s.publish(ctx, events.TypeMessageCreated, input.SenderID, msg)
	s.fanout.Publish(ctx, conv.ID)
	return msg, nil
}

// EditInput contains a new text for an existing message
type EditInput struct {
	MessageID   string
	RequesterID string
	Text        string
}

// Edit replaces the text of the requester's own message
func (s *Service) Edit(ctx context.Context, input *EditInput) (*domain.Message, error) {
	msg, err := s.ownMessage(ctx, input.MessageID, input.RequesterID)
	if err != nil {
		return nil, err
	}

	text, ok := sanitize.MessageText(input.Text, constants.MaxMessageLength)
	if !ok {
		return nil, apperrors.ValidationError("Message is too long")
	}
	if text == "" && len(msg.Attachments) == 0 {
		return nil, apperrors.ValidationError("Message cannot be empty")
	}

	if err := s.store.Messages.Edit(ctx, msg.ID, text, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.AlreadyDeletedError()
		}
		return nil, service.StoreError(ctx, "chat.edit", err)
	}

	updated, err := s.store.Messages.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, service.Lookup(ctx, "chat.edit.reload", "Message", err)
	}
	s.publish(ctx, events.TypeMessageEdited, input.RequesterID, updated)
	s.fanout.Publish(ctx, updated.ConversationID)
	return updated, nil
}

// Delete tombstones the requester's own message. Its position in the conversation is kept.
func (s *Service) Delete(ctx context.Context, messageID, requesterID string) (*domain.Message, error) {
	msg, err := s.ownMessage(ctx, messageID, requesterID)
	if err != nil {
		return nil, err
	}

	if err := s.store.Messages.SoftDelete(ctx, msg.ID, constants.DeletedMessageText, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.AlreadyDeletedError()
		}
		return nil, service.StoreError(ctx, "chat.delete", err)
	}

	updated, err := s.store.Messages.GetByID(ctx, msg.ID)
	if err != nil {
		return nil, service.Lookup(ctx, "chat.delete.reload", "Message", err)
	}
	s.publish(ctx, events.TypeMessageDeleted, requesterID, updated)
	s.fanout.Publish(ctx, updated.ConversationID)
	return updated, nil
}

// ownMessage loads a live, user-authored message and checks the requester wrote it
func (s *Service) ownMessage(ctx context.Context, messageID, requesterID string) (*domain.Message, error) {
	if messageID == "" {
		return nil, apperrors.ValidationError("messageId is required")
	}
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, service.Lookup(ctx, "chat.message.get", "Message", err)
	}
	if msg.SenderID != requesterID {
		return nil, apperrors.ForbiddenError("You can only change your own messages")
	}
	if msg.IsDeleted {
		return nil, apperrors.AlreadyDeletedError()
	}
	if msg.Kind != domain.KindNormal {
		return nil, apperrors.ForbiddenError("This message cannot be changed")
	}
	return msg, nil
}

// MarkSeen marks everything the counterpart(s) sent in a conversation as seen by viewerID.
// It returns how many messages changed; repeating the call changes nothing.
func (s *Service) MarkSeen(ctx context.Context, conversationID, viewerID string) (int64, error) {
	conv, err := s.fanout.Get(ctx, viewerID, conversationID)
	if err != nil {
		return 0, err
	}

	var changed int64
	if conv.IsGroup {
		changed, err = s.store.Messages.MarkSeenGroup(ctx, conv.MessageIDs, viewerID)
	} else {
		changed, err = s.store.Messages.MarkSeenDirect(ctx, conv.MessageIDs, viewerID)
	}
	if err != nil {
		return 0, service.StoreError(ctx, "chat.seen", err)
	}

	s.fanout.Push(ctx, viewerID)
	return changed, nil
}

// MarkSeenWith marks the direct conversation with counterpartID as seen. A missing
// conversation has nothing to mark.
func (s *Service) MarkSeenWith(ctx context.Context, counterpartID, viewerID string) (int64, error) {
	conv, err := s.store.Conversations.FindDirect(ctx, viewerID, counterpartID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, service.StoreError(ctx, "chat.seen.direct", err)
	}
	return s.MarkSeen(ctx, conv.ID, viewerID)
}

// DeleteConversation removes a direct conversation and its messages for both participants
func (s *Service) DeleteConversation(ctx context.Context, conversationID, actorID string) error {
	conv, err := s.fanout.Get(ctx, actorID, conversationID)
	if err != nil {
		return err
	}
	if conv.IsGroup {
		return apperrors.ValidationError("Groups are deleted with deleteGroup")
	}

	if err := s.store.DeleteConversation(ctx, conv); err != nil {
		return service.StoreError(ctx, "chat.conversation.delete", err)
	}

	participants := conv.Participants()
	s.emitter.ToUsers(ctx, participants, realtime.EventConversationDeleted, map[string]string{
		"conversationId": conv.ID,
		"deletedBy":      actorID,
	})
	s.fanout.Push(ctx, participants...)
	return nil
}

func (s *Service) publish(ctx context.Context, evtType, actorID string, msg *domain.Message) {
	s.events.Publish(ctx, events.Event{
		Type:       evtType,
		Key:        msg.ConversationID,
		ActorID:    actorID,
		Payload:    msg,
		OccurredAt: s.now(),
	})
}

func normalizeContent(rawText string, rawAttachments []domain.Attachment) (string, []domain.Attachment, error) {
	text, ok := sanitize.MessageText(rawText, constants.MaxMessageLength)
	if !ok {
		return "", nil, apperrors.ValidationError("Message is too long")
	}
	if len(rawAttachments) > constants.MaxAttachments {
		return "", nil, apperrors.ValidationError("Too many attachments")
	}

	attachments := make([]domain.Attachment, 0, len(rawAttachments))
	for _, a := range rawAttachments {
		url := sanitize.URL(a.URL)
		if url == "" {
			return "", nil, apperrors.ValidationError("Attachment url is required")
		}
		attachments = append(attachments, domain.Attachment{
			URL:      url,
			MimeType: a.MimeType,
			Filename: sanitize.Filename(a.Filename),
		})
	}

	if text == "" && len(attachments) == 0 {
		return "", nil, apperrors.ValidationError("Message cannot be empty")
	}
	return text, attachments, nil
}
