package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/events"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/service"
	"chatcore-backend/internal/service/conversation"
	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
	"chatcore-backend/pkg/sanitize"
)

// Notice templates posted as system messages
const (
	noticeCreated     = "%s đã tạo nhóm"
	noticeAdded       = "%s đã thêm %s vào nhóm"
	noticeRemoved     = "%s đã xóa %s khỏi nhóm"
	noticePromoted    = "%s đã bổ nhiệm %s làm phó nhóm"
	noticeDemoted     = "%s đã gỡ quyền phó nhóm của %s"
	noticeMuted       = "%s đã tắt quyền nhắn tin của %s"
	noticeUnmuted     = "%s đã mở lại quyền nhắn tin của %s"
	noticeUpdated     = "%s đã cập nhật %s"
	noticeRenamed     = "tên nhóm thành \"%s\""
	noticeNewPicture  = "ảnh đại diện nhóm"
	noticeTransferred = "%s đã chuyển quyền trưởng nhóm cho %s"
	noticeLeft        = "%s đã rời khỏi nhóm"
)

// Service manages group membership and roles
type Service struct {
	store   *repository.Store
	fanout  *conversation.Service
	emitter realtime.Emitter
	events  events.Publisher
	now     func() time.Time
}

// NewService creates a new group service
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

// CreateInput contains the data for a new group
type CreateInput struct {
	OwnerID    string
	Name       string
	ProfilePic string
	MemberIDs  []string
}

// Create creates a group of at least MinGroupSize distinct users including the owner
func (s *Service) Create(ctx context.Context, input *CreateInput) (*domain.Conversation, error) {
	name, ok := sanitize.GroupName(input.Name, constants.MaxGroupNameLength)
	if !ok {
		return nil, apperrors.ValidationError("Group name is required and must be at most 100 characters")
	}

	members := realtime.Unique(append([]string{input.OwnerID}, input.MemberIDs...)...)
	if len(members) < constants.MinGroupSize {
		return nil, apperrors.InvalidSizeError(fmt.Sprintf("A group needs at least %d members", constants.MinGroupSize))
	}
	users, err := s.requireUsers(ctx, members)
	if err != nil {
		return nil, err
	}

	now := s.now()
	conv := &domain.Conversation{
		ID:             uuid.NewString(),
		IsGroup:        true,
		Name:           name,
		ProfilePic:     sanitize.URL(input.ProfilePic),
		OwnerID:        input.OwnerID,
		DeputyAdminIDs: []string{},
		MemberIDs:      members,
		MutedMemberIDs: []string{},
		MessageIDs:     []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.Conversations.Create(ctx, conv); err != nil {
			return fmt.Errorf("failed to create group: %w", err)
		}
		return s.notice(ctx, conv.ID, input.OwnerID, now, fmt.Sprintf(noticeCreated, displayName(users, input.OwnerID)))
	})
	if err != nil {
		return nil, service.StoreError(ctx, "group.create", err)
	}

	created, err := s.store.Conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, service.Lookup(ctx, "group.create.reload", "Group", err)
	}
	s.emitter.ToUser(ctx, input.OwnerID, realtime.EventGroupCreated, created)
	s.fanout.Publish(ctx, created.ID)
	return created, nil
}

// AddMembers adds users who are not yet members
func (s *Service) AddMembers(ctx context.Context, groupID, actorID string, userIDs []string) ([]string, error) {
	var (
		conv  *domain.Conversation
		added []string
	)
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		conv, guard, err := s.authorize(ctx, groupID, actorID, ActionAddMembers, "")
		if err != nil {
			return nil, guard, err
		}
		added = added[:0]
		for _, id := range realtime.Unique(userIDs...) {
			if !conv.HasParticipant(id) {
				added = append(added, id)
			}
		}
		if len(added) == 0 {
			return nil, guard, apperrors.NoOpError("Everyone is already a member")
		}
		return conv, guard, nil
	}

	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		users, err := s.requireUsers(ctx, append([]string{actorID}, added...))
		if err != nil {
			return err
		}
		names := make([]string, len(added))
		for i, id := range added {
			names[i] = displayName(users, id)
		}

		now := s.now()
		if err := s.store.Conversations.AddMembers(ctx, conv.ID, added, guard, now); err != nil {
			return fmt.Errorf("failed to add members: %w", err)
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(noticeAdded, displayName(users, actorID), strings.Join(names, ", ")))
	})
	if err != nil {
		return nil, s.settle(ctx, "group.members.add", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventMembersAdded, map[string]any{
		"groupId":   conv.ID,
		"memberIds": added,
	})
	s.fanout.Publish(ctx, conv.ID)
	return added, nil
}

// RemoveMember removes targetID from the group. Members leave with Leave instead.
func (s *Service) RemoveMember(ctx context.Context, groupID, actorID, targetID string) error {
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		return s.authorize(ctx, groupID, actorID, ActionRemoveMember, targetID)
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		now := s.now()
		if err := s.store.Conversations.RemoveMember(ctx, conv.ID, targetID, guard, now); err != nil {
			return fmt.Errorf("failed to remove member: %w", err)
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(noticeRemoved, s.name(ctx, actorID), s.name(ctx, targetID)))
	})
	if err != nil {
		return s.settle(ctx, "group.members.remove", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventMemberRemoved, map[string]any{
		"groupId":  conv.ID,
		"memberId": targetID,
	})
	s.emitter.ToUser(ctx, targetID, realtime.EventRemovedFromGroup, map[string]any{
		"groupId":   conv.ID,
		"name":      conv.Name,
		"removedBy": actorID,
	})
	s.fanout.Publish(ctx, conv.ID, targetID)
	return nil
}

// ToggleDeputy promotes targetID to deputy or demotes them back to member
func (s *Service) ToggleDeputy(ctx context.Context, groupID, actorID, targetID string, promote bool) error {
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		conv, guard, err := s.authorize(ctx, groupID, actorID, ActionToggleDeputy, targetID)
		if err != nil {
			return nil, guard, err
		}
		if conv.IsDeputy(targetID) == promote {
			if promote {
				return nil, guard, apperrors.NoOpError("Member is already a deputy")
			}
			return nil, guard, apperrors.NoOpError("Member is not a deputy")
		}
		return conv, guard, nil
	}

	template := noticeDemoted
	if promote {
		template = noticePromoted
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		now := s.now()
		if err := s.store.Conversations.SetDeputy(ctx, conv.ID, targetID, promote, guard, now); err != nil {
			return fmt.Errorf("failed to set deputy: %w", err)
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(template, s.name(ctx, actorID), s.name(ctx, targetID)))
	})
	if err != nil {
		return s.settle(ctx, "group.deputy.toggle", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventDeputyAdminToggled, map[string]any{
		"groupId":  conv.ID,
		"memberId": targetID,
		"isDeputy": promote,
	})
	s.fanout.Publish(ctx, conv.ID)
	return nil
}

// ToggleMute mutes or unmutes targetID. The owner can never be muted.
func (s *Service) ToggleMute(ctx context.Context, groupID, actorID, targetID string, mute bool) error {
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		conv, guard, err := s.authorize(ctx, groupID, actorID, ActionToggleMute, targetID)
		if err != nil {
			return nil, guard, err
		}
		if conv.IsMuted(targetID) == mute {
			if mute {
				return nil, guard, apperrors.NoOpError("Member is already muted")
			}
			return nil, guard, apperrors.NoOpError("Member is not muted")
		}
		return conv, guard, nil
	}

	template := noticeUnmuted
	if mute {
		template = noticeMuted
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		now := s.now()
		if err := s.store.Conversations.SetMuted(ctx, conv.ID, targetID, mute, guard, now); err != nil {
			return fmt.Errorf("failed to set muted: %w", err)
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(template, s.name(ctx, actorID), s.name(ctx, targetID)))
	})
	if err != nil {
		return s.settle(ctx, "group.mute.toggle", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventMuteToggled, map[string]any{
		"groupId":  conv.ID,
		"memberId": targetID,
		"isMuted":  mute,
	})
	s.fanout.Publish(ctx, conv.ID)
	return nil
}

// UpdateDetailsInput carries the fields to change; nil fields are left alone
type UpdateDetailsInput struct {
	GroupID    string
	ActorID    string
	Name       *string
	ProfilePic *string
}

// UpdateDetails renames the group and/or changes its picture with one combined notice
func (s *Service) UpdateDetails(ctx context.Context, input *UpdateDetailsInput) (*domain.Conversation, error) {
	var (
		name, pic *string
		parts     []string
	)
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		conv, guard, err := s.authorize(ctx, input.GroupID, input.ActorID, ActionUpdateDetails, "")
		if err != nil {
			return nil, guard, err
		}
		if input.Name == nil && input.ProfilePic == nil {
			return nil, guard, apperrors.ValidationError("Nothing to update")
		}

		name, pic, parts = nil, nil, nil
		if input.Name != nil {
			cleaned, ok := sanitize.GroupName(*input.Name, constants.MaxGroupNameLength)
			if !ok {
				return nil, guard, apperrors.ValidationError("Group name is required and must be at most 100 characters")
			}
			if cleaned != conv.Name {
				name = &cleaned
				parts = append(parts, fmt.Sprintf(noticeRenamed, cleaned))
			}
		}
		if input.ProfilePic != nil {
			cleaned := sanitize.URL(*input.ProfilePic)
			if cleaned != conv.ProfilePic {
				pic = &cleaned
				parts = append(parts, noticeNewPicture)
			}
		}
		if len(parts) == 0 {
			return nil, guard, apperrors.NoOpError("Group details are unchanged")
		}
		return conv, guard, nil
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		now := s.now()
		if err := s.store.Conversations.UpdateDetails(ctx, conv.ID, name, pic, guard, now); err != nil {
			return fmt.Errorf("failed to update group details: %w", err)
		}
		return s.notice(ctx, conv.ID, input.ActorID, now, fmt.Sprintf(noticeUpdated, s.name(ctx, input.ActorID), strings.Join(parts, " và ")))
	})
	if err != nil {
		return nil, s.settle(ctx, "group.details.update", err, check)
	}

	updated, err := s.store.Conversations.GetByID(ctx, conv.ID)
	if err != nil {
		return nil, service.Lookup(ctx, "group.details.reload", "Group", err)
	}
	s.emitter.ToUser(ctx, input.ActorID, realtime.EventGroupDetailsUpdated, map[string]any{
		"groupId":    updated.ID,
		"name":       updated.Name,
		"profilePic": updated.ProfilePic,
	})
	s.fanout.Publish(ctx, updated.ID)
	return updated, nil
}

// TransferOwnerAndLeave hands ownership to newOwnerID and removes the current owner
func (s *Service) TransferOwnerAndLeave(ctx context.Context, groupID, actorID, newOwnerID string) error {
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		return s.authorize(ctx, groupID, actorID, ActionTransferOwner, newOwnerID)
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		actorName, newOwnerName := s.name(ctx, actorID), s.name(ctx, newOwnerID)
		now := s.now()
		if err := s.store.Conversations.TransferOwner(ctx, conv.ID, newOwnerID, guard, now); err != nil {
			return fmt.Errorf("failed to transfer owner: %w", err)
		}
		// the previous owner is a plain member from here on
		demoted := repository.RoleGuard{TargetID: actorID, TargetRole: domain.RoleMember}
		if err := s.store.Conversations.RemoveMember(ctx, conv.ID, actorID, demoted, now); err != nil {
			return fmt.Errorf("failed to remove previous owner: %w", err)
		}
		if err := s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(noticeTransferred, actorName, newOwnerName)); err != nil {
			return err
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(noticeLeft, actorName))
	})
	if err != nil {
		return s.settle(ctx, "group.owner.transfer", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventAdminTransferred, map[string]any{
		"groupId":    conv.ID,
		"newAdminId": newOwnerID,
	})
	s.fanout.Publish(ctx, conv.ID, actorID)
	return nil
}

// Leave removes a non-owner member from the group
func (s *Service) Leave(ctx context.Context, groupID, actorID string) error {
	check := func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error) {
		conv, err := s.load(ctx, groupID)
		if err != nil {
			return nil, repository.RoleGuard{}, err
		}
		role := conv.RoleOf(actorID)
		guard := repository.RoleGuard{ActorID: actorID, ActorRole: role}
		switch role {
		case domain.RoleNone:
			return nil, guard, apperrors.ForbiddenError("You are not a member of this group")
		case domain.RoleOwner:
			return nil, guard, apperrors.OwnerMustTransferError()
		}
		return conv, guard, nil
	}

	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var (
			guard repository.RoleGuard
			err   error
		)
		if conv, guard, err = check(ctx); err != nil {
			return err
		}
		now := s.now()
		if err := s.store.Conversations.RemoveMember(ctx, conv.ID, actorID, guard, now); err != nil {
			return fmt.Errorf("failed to leave group: %w", err)
		}
		return s.notice(ctx, conv.ID, actorID, now, fmt.Sprintf(noticeLeft, s.name(ctx, actorID)))
	})
	if err != nil {
		return s.settle(ctx, "group.leave", err, check)
	}

	s.emitter.ToUser(ctx, actorID, realtime.EventLeftGroup, map[string]any{"groupId": conv.ID})
	s.fanout.Publish(ctx, conv.ID, actorID)
	return nil
}

// Delete removes the group and all of its messages
func (s *Service) Delete(ctx context.Context, groupID, actorID string) error {
	var conv *domain.Conversation
	err := s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		var err error
		if conv, _, err = s.authorize(ctx, groupID, actorID, ActionDelete, ""); err != nil {
			return err
		}
		return s.store.DeleteConversation(ctx, conv)
	})
	if err != nil {
		return service.StoreError(ctx, "group.delete", err)
	}

	s.events.Publish(ctx, events.Event{
		Type:       events.TypeGroupDeleted,
		Key:        conv.ID,
		ActorID:    actorID,
		Payload:    map[string]any{"groupId": conv.ID, "memberIds": conv.MemberIDs},
		OccurredAt: s.now(),
	})
	s.emitter.ToUsers(ctx, conv.MemberIDs, realtime.EventGroupDeleted, map[string]any{
		"groupId":   conv.ID,
		"name":      conv.Name,
		"deletedBy": actorID,
	})
	s.fanout.Push(ctx, conv.MemberIDs...)
	return nil
}

func (s *Service) load(ctx context.Context, groupID string) (*domain.Conversation, error) {
	if groupID == "" {
		return nil, apperrors.ValidationError("groupId is required")
	}
	conv, err := s.store.Conversations.GetByID(ctx, groupID)
	if err != nil {
		return nil, service.Lookup(ctx, "group.get", "Group", err)
	}
	if !conv.IsGroup {
		return nil, apperrors.NotFoundError("Group")
	}
	return conv, nil
}

// authorize loads the group and checks that actorID may apply action to targetID.
// An empty targetID means the action has no target. The returned guard pins the roles checked.
func (s *Service) authorize(ctx context.Context, groupID, actorID string, action Action, targetID string) (*domain.Conversation, repository.RoleGuard, error) {
	conv, err := s.load(ctx, groupID)
	if err != nil {
		return nil, repository.RoleGuard{}, err
	}

	actor := conv.RoleOf(actorID)
	guard := repository.RoleGuard{ActorID: actorID, ActorRole: actor}
	if actor == domain.RoleNone {
		return nil, guard, apperrors.ForbiddenError("You are not a member of this group")
	}
	if targetID == "" {
		if !CanPerform(action, actor, domain.RoleNone) {
			return nil, guard, apperrors.ForbiddenError("You do not have permission to do this")
		}
		return conv, guard, nil
	}

	if !CanPerform(action, actor, domain.RoleMember) {
		return nil, guard, apperrors.ForbiddenError("You do not have permission to do this")
	}
	if targetID == actorID {
		return nil, guard, apperrors.InvalidTargetError("You cannot do this to yourself")
	}
	target := conv.RoleOf(targetID)
	if target == domain.RoleNone {
		return nil, guard, apperrors.InvalidTargetError("User is not a member of this group")
	}
	if !CanPerform(action, actor, target) {
		return nil, guard, apperrors.ForbiddenError("You do not have permission to do this")
	}
	guard.TargetID, guard.TargetRole = targetID, target
	return conv, guard, nil
}

// settle turns a failed group transaction into the client error. A guard conflict is
// re-checked against the current group so the caller sees what changed underneath it.
func (s *Service) settle(ctx context.Context, op string, err error, check func(ctx context.Context) (*domain.Conversation, repository.RoleGuard, error)) error {
	if !errors.Is(err, repository.ErrConflict) {
		return service.StoreError(ctx, op, err)
	}
	metrics.GroupConflictsTotal.WithLabelValues(op).Inc()
	logger.FromContext(ctx).Info("Group changed while it was being updated", zap.String("operation", op))
	if _, _, err := check(ctx); err != nil {
		return err
	}
	return apperrors.NoOpError("The group changed before this could be applied")
}

// notice posts a system message inside the caller's transaction
func (s *Service) notice(ctx context.Context, conversationID, actorID string, at time.Time, text string) error {
	msg := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Kind:           domain.KindSystem,
		Text:           text,
		Attachments:    []domain.Attachment{},
		SenderID:       actorID,
		SeenBy:         []string{},
		CreatedAt:      at,
		UpdatedAt:      at,
	}
	if err := s.store.PostMessage(ctx, msg); err != nil {
		return err
	}
	metrics.ChatMessageCreatedTotal.WithLabelValues(string(domain.KindSystem), "group").Inc()
	return nil
}

// requireUsers loads every id and fails with NotFound when one is missing
func (s *Service) requireUsers(ctx context.Context, ids []string) (map[string]*domain.User, error) {
	users, err := s.store.Users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, service.StoreError(ctx, "group.users", err)
	}
	for _, id := range ids {
		if _, ok := users[id]; !ok {
			return nil, apperrors.NotFoundError("User").WithDetails(map[string]string{"userId": id})
		}
	}
	return users, nil
}

// name returns the display name used in notices, falling back to the id
func (s *Service) name(ctx context.Context, userID string) string {
	u, err := s.store.Users.GetByID(ctx, userID)
	if err != nil {
		logger.FromContext(ctx).Debug("Falling back to user id in group notice", zap.String("target_user_id", userID), zap.Error(err))
		return userID
	}
	return u.DisplayName()
}

func displayName(users map[string]*domain.User, id string) string {
	if u, ok := users[id]; ok {
		return u.DisplayName()
	}
	return id
}
