package friend

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/service"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
)

// Decision is the receiver's answer to a pending request
type Decision string

const (
	Accept Decision = "accept"
	Reject Decision = "reject"
)

// Notice is pushed to both sides of a request; User is the counterpart of the recipient
type Notice struct {
	Request *domain.FriendRequest `json:"request"`
	User    *domain.User          `json:"user,omitempty"`
}

// Service manages friend requests and friendships
type Service struct {
	store   *repository.Store
	emitter realtime.Emitter
	now     func() time.Time
}

// NewService creates a new friend service
func NewService(store *repository.Store, emitter realtime.Emitter) *Service {
	return &Service{
		store:   store,
		emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Send creates a pending request from senderID to receiverID.
// Only one request, pending or accepted, may exist per pair of users.
func (s *Service) Send(ctx context.Context, senderID, receiverID string) (*domain.FriendRequest, error) {
	if receiverID == "" {
		return nil, apperrors.ValidationError("receiverId is required")
	}
	if receiverID == senderID {
		return nil, apperrors.InvalidTargetError("You cannot send a friend request to yourself")
	}
	users, err := s.store.Users.GetByIDs(ctx, []string{senderID, receiverID})
	if err != nil {
		return nil, service.StoreError(ctx, "friend.send.users", err)
	}
	if _, ok := users[receiverID]; !ok {
		return nil, apperrors.NotFoundError("User")
	}

	existing, err := s.store.FriendRequests.FindByPair(ctx, senderID, receiverID)
	switch {
	case err == nil:
		return nil, alreadyExists(existing)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, service.StoreError(ctx, "friend.send.lookup", err)
	}

	now := s.now()
	req := &domain.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		PairKey:    domain.PairKey(senderID, receiverID),
		Status:     domain.FriendPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.FriendRequests.Create(ctx, req); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperrors.AlreadyExistsError("A friend request already exists")
		}
		return nil, service.StoreError(ctx, "friend.send", err)
	}

	s.emitter.ToUser(ctx, senderID, realtime.EventFriendRequestSent, &Notice{Request: req, User: users[receiverID]})
	s.emitter.ToUser(ctx, receiverID, realtime.EventFriendRequestReceived, &Notice{Request: req, User: users[senderID]})
	return req, nil
}

// Cancel withdraws a pending request sent by senderID
func (s *Service) Cancel(ctx context.Context, requestID, senderID string) error {
	req, err := s.pending(ctx, requestID)
	if err != nil {
		return err
	}
	if req.SenderID != senderID {
		return apperrors.ForbiddenError("Only the sender can cancel this request")
	}

	if err := s.store.FriendRequests.Delete(ctx, req.ID, domain.FriendPending); err != nil {
		return service.Lookup(ctx, "friend.cancel", "Friend request", err)
	}
	s.notifyBoth(ctx, req, realtime.EventFriendRequestCancelled)
	return nil
}

// Respond accepts or rejects a pending request addressed to receiverID.
// An accepted request is kept as the friendship; a rejected one is deleted.
func (s *Service) Respond(ctx context.Context, requestID, receiverID string, decision Decision) (*domain.FriendRequest, error) {
	if decision != Accept && decision != Reject {
		return nil, apperrors.ValidationError("decision must be accept or reject")
	}
	req, err := s.pending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != receiverID {
		return nil, apperrors.ForbiddenError("Only the receiver can respond to this request")
	}

	if decision == Reject {
		if err := s.store.FriendRequests.Delete(ctx, req.ID, domain.FriendPending); err != nil {
			return nil, service.Lookup(ctx, "friend.reject", "Friend request", err)
		}
		s.notifyBoth(ctx, req, realtime.EventFriendRequestRejected)
		return req, nil
	}

	now := s.now()
	if err := s.store.FriendRequests.Accept(ctx, req.ID, now); err != nil {
		return nil, service.Lookup(ctx, "friend.accept", "Friend request", err)
	}
	req.Status = domain.FriendAccepted
	req.UpdatedAt = now
	s.notifyBoth(ctx, req, realtime.EventFriendRequestAccepted)
	return req, nil
}

// Remove ends the friendship between userID and friendID
func (s *Service) Remove(ctx context.Context, userID, friendID string) error {
	if friendID == "" {
		return apperrors.ValidationError("friendId is required")
	}
	req, err := s.store.FriendRequests.FindByPair(ctx, userID, friendID)
	if err != nil {
		return service.Lookup(ctx, "friend.remove.lookup", "Friendship", err)
	}
	if req.Status != domain.FriendAccepted {
		return apperrors.NotFoundError("Friendship")
	}

	if err := s.store.FriendRequests.Delete(ctx, req.ID, domain.FriendAccepted); err != nil {
		return service.Lookup(ctx, "friend.remove", "Friendship", err)
	}

	payload := map[string]string{"userId": userID, "friendId": friendID}
	s.emitter.ToUsers(ctx, []string{userID, friendID}, realtime.EventFriendRemoved, payload)
	return nil
}

// Status describes the relationship between userID and otherID from userID's side
func (s *Service) Status(ctx context.Context, userID, otherID string) (*domain.FriendStatusView, error) {
	if otherID == "" {
		return nil, apperrors.ValidationError("userId is required")
	}
	view := &domain.FriendStatusView{UserID: otherID, Status: domain.FriendStatusNone}

	req, err := s.store.FriendRequests.FindByPair(ctx, userID, otherID)
	if errors.Is(err, repository.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, service.StoreError(ctx, "friend.status", err)
	}

	view.RequestID = req.ID
	view.IsSender = req.SenderID == userID
	switch {
	case req.Status == domain.FriendAccepted:
		view.Status = domain.FriendStatusFriends
	case view.IsSender:
		view.Status = domain.FriendStatusPendingSent
	default:
		view.Status = domain.FriendStatusPendingReceived
	}
	return view, nil
}

func (s *Service) pending(ctx context.Context, requestID string) (*domain.FriendRequest, error) {
	if requestID == "" {
		return nil, apperrors.ValidationError("requestId is required")
	}
	req, err := s.store.FriendRequests.GetByID(ctx, requestID)
	if err != nil {
		return nil, service.Lookup(ctx, "friend.request.get", "Friend request", err)
	}
	if req.Status != domain.FriendPending {
		return nil, apperrors.NotFoundError("Friend request")
	}
	return req, nil
}

// notifyBoth pushes event to both sides, each carrying the other side's profile
func (s *Service) notifyBoth(ctx context.Context, req *domain.FriendRequest, event string) {
	users, err := s.store.Users.GetByIDs(ctx, []string{req.SenderID, req.ReceiverID})
	if err != nil {
		logger.FromContext(ctx).Warn("Failed to load profiles for friend notice", zap.String("request_id", req.ID), zap.Error(err))
		users = map[string]*domain.User{}
	}
	s.emitter.ToUser(ctx, req.SenderID, event, &Notice{Request: req, User: users[req.ReceiverID]})
	s.emitter.ToUser(ctx, req.ReceiverID, event, &Notice{Request: req, User: users[req.SenderID]})
}

func alreadyExists(req *domain.FriendRequest) error {
	if req.Status == domain.FriendAccepted {
		return apperrors.AlreadyExistsError("You are already friends")
	}
	return apperrors.AlreadyExistsError("A friend request already exists")
}
