package conversation

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/service"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
)

// Presence answers whether a user is online
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
}

// Service computes conversation lists and pushes them to users.
// Nothing is cached: every list is recomputed from the store.
type Service struct {
	store    *repository.Store
	emitter  realtime.Emitter
	presence Presence
}

// NewService creates a new conversation service
func NewService(store *repository.Store, emitter realtime.Emitter, presence Presence) *Service {
	return &Service{
		store:    store,
		emitter:  emitter,
		presence: presence,
	}
}

// List returns userID's conversations, most recently active first
func (s *Service) List(ctx context.Context, userID string) ([]*domain.ConversationSummary, error) {
	convs, err := s.store.Conversations.ListForUser(ctx, userID)
	if err != nil {
		return nil, service.StoreError(ctx, "conversation.list", err)
	}

	var counterpartIDs, lastIDs []string
	for _, c := range convs {
		if !c.IsGroup {
			counterpartIDs = append(counterpartIDs, c.Counterpart(userID))
		}
		if id := c.LastMessageID(); id != "" {
			lastIDs = append(lastIDs, id)
		}
	}

	users, err := s.store.Users.GetByIDs(ctx, counterpartIDs)
	if err != nil {
		return nil, service.StoreError(ctx, "conversation.list.users", err)
	}
	lastMessages, err := s.store.Messages.GetByIDs(ctx, lastIDs)
	if err != nil {
		return nil, service.StoreError(ctx, "conversation.list.messages", err)
	}
	byID := make(map[string]*domain.Message, len(lastMessages))
	for _, m := range lastMessages {
		byID[m.ID] = m
	}

	summaries := make([]*domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		unseen, err := s.store.Messages.CountUnseen(ctx, c.MessageIDs, userID, c.IsGroup)
		if err != nil {
			return nil, service.StoreError(ctx, "conversation.list.unseen", err)
		}

		summary := &domain.ConversationSummary{
			ID:          c.ID,
			IsGroup:     c.IsGroup,
			LastMessage: byID[c.LastMessageID()],
			UnseenCount: unseen,
			UpdatedAt:   c.UpdatedAt,
		}
		if c.IsGroup {
			summary.Name = c.Name
			summary.ProfilePic = c.ProfilePic
			summary.OwnerID = c.OwnerID
			summary.DeputyAdminIDs = c.DeputyAdminIDs
			summary.MemberIDs = c.MemberIDs
			summary.MutedMemberIDs = c.MutedMemberIDs
		} else {
			other := c.Counterpart(userID)
			if u, ok := users[other]; ok {
				summary.UserDetails = u
			} else {
				summary.UserDetails = &domain.User{ID: other}
			}
		}
		summaries = append(summaries, summary)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Push recomputes and sends the conversation list of every given user
func (s *Service) Push(ctx context.Context, userIDs ...string) {
	for _, id := range realtime.Unique(userIDs...) {
		list, err := s.List(ctx, id)
		if err != nil {
			logger.FromContext(ctx).Warn("Failed to refresh conversation list", zap.String("target_user_id", id), zap.Error(err))
			continue
		}
		s.emitter.ToUser(ctx, id, realtime.EventConversation, list)
	}
}

// Thread resolves conv's messages and, for groups, its member profiles
func (s *Service) Thread(ctx context.Context, conv *domain.Conversation) (*domain.Thread, error) {
	messages, err := s.store.Messages.GetByIDs(ctx, conv.MessageIDs)
	if err != nil {
		return nil, service.StoreError(ctx, "conversation.thread.messages", err)
	}
	thread := &domain.Thread{Conversation: conv, Messages: messages}

	if conv.IsGroup {
		users, err := s.store.Users.GetByIDs(ctx, conv.MemberIDs)
		if err != nil {
			return nil, service.StoreError(ctx, "conversation.thread.members", err)
		}
		thread.Members = make([]*domain.User, 0, len(conv.MemberIDs))
		for _, id := range conv.MemberIDs {
			if u, ok := users[id]; ok {
				thread.Members = append(thread.Members, u)
			} else {
				thread.Members = append(thread.Members, &domain.User{ID: id})
			}
		}
	}
	return thread, nil
}

// ThreadEvent returns the event a conversation's thread is pushed under
func ThreadEvent(conv *domain.Conversation) string {
	if conv.IsGroup {
		return realtime.EventGroupMessage
	}
	return realtime.EventMessage
}

// Publish pushes the current thread of conversationID to its participants and refreshes
// their lists, plus the lists of extra users (e.g. members who just left).
// Failures are logged: the mutation that triggered the push has already been committed.
func (s *Service) Publish(ctx context.Context, conversationID string, extra ...string) {
	conv, err := s.store.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to load conversation for push", zap.String("conversation_id", conversationID), zap.Error(err))
		s.Push(ctx, extra...)
		return
	}
	thread, err := s.Thread(ctx, conv)
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to build thread for push", zap.String("conversation_id", conversationID), zap.Error(err))
	} else {
		s.emitter.ToUsers(ctx, conv.Participants(), ThreadEvent(conv), thread)
	}
	s.Push(ctx, append(conv.Participants(), extra...)...)
}

// Room is what a user sees when opening a conversation
type Room struct {
	IsGroup     bool
	Counterpart *domain.UserPresence
	Thread      *domain.Thread
}

// Open resolves id as a conversation the viewer takes part in or, failing that, as the
// user the viewer wants to talk to. A direct conversation is not created by opening it.
func (s *Service) Open(ctx context.Context, viewerID, id string) (*Room, error) {
	if id == "" {
		return nil, apperrors.ValidationError("id is required")
	}

	conv, err := s.store.Conversations.GetByID(ctx, id)
	switch {
	case err == nil:
		if !conv.HasParticipant(viewerID) {
			return nil, apperrors.ForbiddenError("You are not a participant of this conversation")
		}
		return s.room(ctx, viewerID, conv)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, service.StoreError(ctx, "conversation.open", err)
	}

	user, err := s.store.Users.GetByID(ctx, id)
	if err != nil {
		return nil, service.Lookup(ctx, "conversation.open.user", "User", err)
	}
	room := &Room{Counterpart: user.WithPresence(s.presence.IsOnline(ctx, user.ID))}

	conv, err = s.store.Conversations.FindDirect(ctx, viewerID, id)
	if errors.Is(err, repository.ErrNotFound) {
		empty := domain.NewDirectConversation("", viewerID, id, time.Time{})
		room.Thread = &domain.Thread{Conversation: empty, Messages: []*domain.Message{}}
		return room, nil
	}
	if err != nil {
		return nil, service.StoreError(ctx, "conversation.open.direct", err)
	}
	room.Thread, err = s.Thread(ctx, conv)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *Service) room(ctx context.Context, viewerID string, conv *domain.Conversation) (*Room, error) {
	thread, err := s.Thread(ctx, conv)
	if err != nil {
		return nil, err
	}
	room := &Room{IsGroup: conv.IsGroup, Thread: thread}
	if !conv.IsGroup {
		otherID := conv.Counterpart(viewerID)
		other, err := s.store.Users.GetByID(ctx, otherID)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			other = &domain.User{ID: otherID}
		default:
			return nil, service.StoreError(ctx, "conversation.open.counterpart", err)
		}
		room.Counterpart = other.WithPresence(s.presence.IsOnline(ctx, otherID))
	}
	return room, nil
}

// Get loads a conversation the user takes part in
func (s *Service) Get(ctx context.Context, userID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.store.Conversations.GetByID(ctx, conversationID)
	if err != nil {
		return nil, service.Lookup(ctx, "conversation.get", "Conversation", err)
	}
	if !conv.HasParticipant(userID) {
		return nil, apperrors.ForbiddenError("You are not a participant of this conversation")
	}
	return conv, nil
}
