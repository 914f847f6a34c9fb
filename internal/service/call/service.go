// Package call relays WebRTC signaling between two users and keeps the call's
// trace message in the chat up to date. Signaling payloads are never inspected.
package call

import (
	"context"
	"encoding/json"
	"errors"
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
)

// Presence tells whether a user is online anywhere and whether they are connected here
type Presence interface {
	IsOnline(ctx context.Context, userID string) bool
	IsLocal(userID string) bool
}

// Service implements the call signaling relay
type Service struct {
	store    *repository.Store
	fanout   *conversation.Service
	emitter  realtime.Emitter
	presence Presence
	events   events.Publisher
	calls    *tracker
	now      func() time.Time
}

// NewService creates a new call service
func NewService(
	store *repository.Store,
	fanout *conversation.Service,
	emitter realtime.Emitter,
	presence Presence,
	publisher events.Publisher,
) *Service {
	return &Service{
		store:    store,
		fanout:   fanout,
		emitter:  emitter,
		presence: presence,
		events:   publisher,
		calls:    newTracker(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Payloads pushed to the parties of a call
type (
	Initiated struct {
		MessageID      string `json:"messageId"`
		ConversationID string `json:"conversationId"`
		ReceiverID     string `json:"receiverId"`
		IsVideo        bool   `json:"isVideo"`
	}

	Incoming struct {
		MessageID      string          `json:"messageId"`
		ConversationID string          `json:"conversationId"`
		From           *domain.User    `json:"from"`
		IsVideo        bool            `json:"isVideo"`
		Offer          json.RawMessage `json:"offer"`
	}

	Accepted struct {
		MessageID string          `json:"messageId"`
		From      string          `json:"from"`
		Answer    json.RawMessage `json:"answer"`
	}

	Rejected struct {
		MessageID string `json:"messageId"`
		From      string `json:"from"`
		Reason    string `json:"reason,omitempty"`
	}

	Ended struct {
		MessageID       string            `json:"messageId"`
		From            string            `json:"from"`
		Status          domain.CallStatus `json:"status"`
		DurationSeconds int               `json:"duration"`
		Reason          string            `json:"reason,omitempty"`
	}

	Candidate struct {
		MessageID string          `json:"messageId,omitempty"`
		From      string          `json:"from"`
		Candidate json.RawMessage `json:"candidate"`
	}
)

// InitiateInput starts a call from CallerID to ReceiverID
type InitiateInput struct {
	CallerID   string
	ReceiverID string
	IsVideo    bool
	Offer      json.RawMessage
}

// Initiate records the call in the direct conversation and rings the receiver.
// An offline receiver fails the call before anything is written.
func (s *Service) Initiate(ctx context.Context, input *InitiateInput) (*domain.Message, error) {
	if input.ReceiverID == "" {
		return nil, apperrors.ValidationError("receiverId is required")
	}
	if input.ReceiverID == input.CallerID {
		return nil, apperrors.InvalidTargetError("You cannot call yourself")
	}
	users, err := s.store.Users.GetByIDs(ctx, []string{input.CallerID, input.ReceiverID})
	if err != nil {
		return nil, service.StoreError(ctx, "call.initiate.users", err)
	}
	if _, ok := users[input.ReceiverID]; !ok {
		return nil, apperrors.NotFoundError("User")
	}
	if !s.presence.IsOnline(ctx, input.ReceiverID) {
		metrics.CallsTotal.WithLabelValues("offline").Inc()
		return nil, apperrors.ReceiverOfflineError()
	}

	now := s.now()
	trace := &domain.Message{
		ID:          uuid.NewString(),
		Kind:        domain.KindCall,
		Attachments: []domain.Attachment{},
		SenderID:    input.CallerID,
		Call: &domain.CallInfo{
			CallerID:   input.CallerID,
			ReceiverID: input.ReceiverID,
			IsVideo:    input.IsVideo,
			Status:     domain.CallMissed,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		conv, _, err := s.store.Conversations.FindOrCreateDirect(ctx, input.CallerID, input.ReceiverID, now)
		if err != nil {
			return err
		}
		trace.ConversationID = conv.ID
		return s.store.PostMessage(ctx, trace)
	})
	if err != nil {
		return nil, service.StoreError(ctx, "call.initiate", err)
	}
	metrics.ChatMessageCreatedTotal.WithLabelValues(string(domain.KindCall), "direct").Inc()

	s.calls.start(&trackedCall{
		messageID:      trace.ID,
		conversationID: trace.ConversationID,
		callerID:       input.CallerID,
		receiverID:     input.ReceiverID,
		phase:          phaseRinging,
		startedAt:      now,
	})

	// the receiver may answer from inside the incoming-call push
	err = s.store.Messages.UpdateCall(ctx, trace.ID, []domain.CallStatus{domain.CallMissed}, domain.CallRinging, 0, s.now())
	if err != nil {
		s.calls.finish(trace.ID)
		s.fanout.Publish(ctx, trace.ConversationID)
		return nil, service.StoreError(ctx, "call.initiate.ring", err)
	}
	trace.Call.Status = domain.CallRinging

	caller := users[input.CallerID]
	if caller == nil {
		caller = &domain.User{ID: input.CallerID}
	}
	s.emitter.ToUser(ctx, input.ReceiverID, realtime.EventIncomingCall, &Incoming{
		MessageID:      trace.ID,
		ConversationID: trace.ConversationID,
		From:           caller,
		IsVideo:        input.IsVideo,
		Offer:          input.Offer,
	})

	s.emitter.ToUser(ctx, input.CallerID, realtime.EventCallInitiated, &Initiated{
		MessageID:      trace.ID,
		ConversationID: trace.ConversationID,
		ReceiverID:     input.ReceiverID,
		IsVideo:        input.IsVideo,
	})
	s.fanout.Publish(ctx, trace.ConversationID)
	return trace, nil
}

// AnswerInput is the receiver's answer to a ringing call
type AnswerInput struct {
	ReceiverID string
	CallerID   string
	MessageID  string
	Answer     json.RawMessage
}

// Answer accepts a ringing call and flushes the caller's buffered candidates to the receiver
func (s *Service) Answer(ctx context.Context, input *AnswerInput) error {
	trace, err := s.ringingFor(ctx, input.MessageID, input.ReceiverID, input.CallerID)
	if err != nil {
		return err
	}

	now := s.now()
	err = s.store.Messages.UpdateCall(ctx, trace.ID, []domain.CallStatus{domain.CallRinging}, domain.CallInProgress, 0, now)
	if err != nil {
		return transitionError(ctx, "call.answer", err)
	}
	s.calls.accept(trace.ID, now)

	s.emitter.ToUser(ctx, trace.Call.CallerID, realtime.EventCallAccepted, &Accepted{
		MessageID: trace.ID,
		From:      input.ReceiverID,
		Answer:    input.Answer,
	})
	for pending := s.calls.drain(trace.ID); len(pending) > 0; pending = s.calls.drain(trace.ID) {
		for _, candidate := range pending {
			s.emitter.ToUser(ctx, input.ReceiverID, realtime.EventICECandidate, &Candidate{
				MessageID: trace.ID,
				From:      trace.Call.CallerID,
				Candidate: candidate,
			})
		}
	}
	return nil
}

// RejectInput declines a ringing call
type RejectInput struct {
	ReceiverID string
	CallerID   string
	MessageID  string
	Reason     string
}

// Reject declines a ringing call
func (s *Service) Reject(ctx context.Context, input *RejectInput) error {
	trace, err := s.ringingFor(ctx, input.MessageID, input.ReceiverID, input.CallerID)
	if err != nil {
		return err
	}

	err = s.store.Messages.UpdateCall(ctx, trace.ID, []domain.CallStatus{domain.CallRinging}, domain.CallRejected, 0, s.now())
	if err != nil {
		return transitionError(ctx, "call.reject", err)
	}
	s.calls.finish(trace.ID)

	s.emitter.ToUser(ctx, trace.Call.CallerID, realtime.EventCallRejected, &Rejected{
		MessageID: trace.ID,
		From:      input.ReceiverID,
		Reason:    input.Reason,
	})
	s.closed(ctx, trace, input.ReceiverID, domain.CallRejected, 0)
	return nil
}

// EndInput hangs up a call
type EndInput struct {
	ActorID         string
	PartnerID       string
	MessageID       string
	DurationSeconds int
}

// End hangs up a call. An answered call is completed with the reported duration;
// a call that was never answered stays missed.
func (s *Service) End(ctx context.Context, input *EndInput) error {
	trace, err := s.trace(ctx, input.MessageID)
	if err != nil {
		return err
	}
	info := trace.Call
	if !info.Involves(input.ActorID) {
		return apperrors.ForbiddenError("You are not part of this call")
	}
	partnerID := info.Partner(input.ActorID)
	if input.PartnerID != "" && input.PartnerID != partnerID {
		return apperrors.InvalidTargetError("partnerId does not match this call")
	}
	if info.Status.Terminal() {
		return apperrors.NoOpError("Call has already ended")
	}

	status, duration, from := domain.CallMissed, 0, domain.CallRinging
	if info.Status == domain.CallInProgress {
		status, duration, from = domain.CallCompleted, clampDuration(input.DurationSeconds), domain.CallInProgress
	}
	if err := s.store.Messages.UpdateCall(ctx, trace.ID, []domain.CallStatus{from}, status, duration, s.now()); err != nil {
		return transitionError(ctx, "call.end", err)
	}
	s.calls.finish(trace.ID)

	s.emitter.ToUser(ctx, partnerID, realtime.EventCallEnded, &Ended{
		MessageID:       trace.ID,
		From:            input.ActorID,
		Status:          status,
		DurationSeconds: duration,
	})
	s.emitter.ToUser(ctx, partnerID, realtime.EventCallTerminated, &Ended{
		MessageID:       trace.ID,
		From:            input.ActorID,
		Status:          status,
		DurationSeconds: duration,
	})
	s.closed(ctx, trace, input.ActorID, status, duration)
	return nil
}

// CandidateInput carries one opaque ICE candidate
type CandidateInput struct {
	TargetUserID string
	MessageID    string
	Candidate    json.RawMessage
}

// RelayCandidate forwards a candidate to the target. Candidates the caller sends while
// a locally tracked call is still ringing are held until the receiver answers.
func (s *Service) RelayCandidate(ctx context.Context, fromID string, input *CandidateInput) error {
	if input.TargetUserID == "" {
		return apperrors.ValidationError("targetUserId is required")
	}
	if input.TargetUserID == fromID {
		return apperrors.InvalidTargetError("You cannot send a candidate to yourself")
	}

	if input.MessageID != "" && s.presence.IsLocal(input.TargetUserID) &&
		s.calls.buffer(input.MessageID, fromID, input.TargetUserID, input.Candidate) {
		return nil
	}
	s.emitter.ToUser(ctx, input.TargetUserID, realtime.EventICECandidate, &Candidate{
		MessageID: input.MessageID,
		From:      fromID,
		Candidate: input.Candidate,
	})
	return nil
}

// Disconnected fails every call userID takes part in on this instance.
// It is called once the user's last local connection has gone away.
func (s *Service) Disconnected(ctx context.Context, userID string) {
	for _, c := range s.calls.takeFor(userID) {
		partnerID := c.partner(userID)
		now := s.now()

		status, duration, from := domain.CallMissed, 0, domain.CallRinging
		if c.phase != phaseRinging {
			status, duration, from = domain.CallCompleted, clampDuration(int(now.Sub(c.answeredAt).Seconds())), domain.CallInProgress
		}
		err := s.store.Messages.UpdateCall(ctx, c.messageID, []domain.CallStatus{from}, status, duration, now)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.FromContext(ctx).Warn("Failed to record dropped call",
				zap.String("message_id", c.messageID),
				zap.String("user_id", userID),
				zap.Error(err))
		}

		s.emitter.ToUser(ctx, partnerID, realtime.EventCallTerminated, &Ended{
			MessageID:       c.messageID,
			From:            userID,
			Status:          status,
			DurationSeconds: duration,
			Reason:          "disconnected",
		})
		metrics.CallsTotal.WithLabelValues("failed").Inc()
		s.events.Publish(ctx, events.Event{
			Type:       events.TypeCallEnded,
			Key:        c.conversationID,
			ActorID:    userID,
			Payload:    &Ended{MessageID: c.messageID, From: userID, Status: status, DurationSeconds: duration, Reason: "disconnected"},
			OccurredAt: now,
		})
		s.fanout.Publish(ctx, c.conversationID)
	}
}

func (s *Service) trace(ctx context.Context, messageID string) (*domain.Message, error) {
	if messageID == "" {
		return nil, apperrors.ValidationError("messageId is required")
	}
	msg, err := s.store.Messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, service.Lookup(ctx, "call.get", "Call", err)
	}
	if msg.Kind != domain.KindCall || msg.Call == nil {
		return nil, apperrors.NotFoundError("Call")
	}
	return msg, nil
}

// ringingFor loads a call that receiverID may still answer or reject
func (s *Service) ringingFor(ctx context.Context, messageID, receiverID, callerID string) (*domain.Message, error) {
	trace, err := s.trace(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if trace.Call.ReceiverID != receiverID {
		return nil, apperrors.ForbiddenError("Only the receiver can respond to this call")
	}
	if callerID != "" && trace.Call.CallerID != callerID {
		return nil, apperrors.InvalidTargetError("callerId does not match this call")
	}
	if trace.Call.Status != domain.CallRinging {
		return nil, apperrors.NoOpError("Call is no longer ringing")
	}
	return trace, nil
}

// closed records a call that reached a final status and refreshes both parties
func (s *Service) closed(ctx context.Context, trace *domain.Message, actorID string, status domain.CallStatus, duration int) {
	metrics.CallsTotal.WithLabelValues(string(status)).Inc()
	s.events.Publish(ctx, events.Event{
		Type:    events.TypeCallEnded,
		Key:     trace.ConversationID,
		ActorID: actorID,
		Payload: &Ended{
			MessageID:       trace.ID,
			From:            actorID,
			Status:          status,
			DurationSeconds: duration,
		},
		OccurredAt: s.now(),
	})
	s.fanout.Publish(ctx, trace.ConversationID)
}

// transitionError maps a lost conditional update to NoOp
func transitionError(ctx context.Context, op string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NoOpError("Call state has already changed")
	}
	return service.StoreError(ctx, op, err)
}

func clampDuration(seconds int) int {
	maxSeconds := int(constants.MaxCallDuration / time.Second)
	switch {
	case seconds < 0:
		return 0
	case seconds > maxSeconds:
		return maxSeconds
	}
	return seconds
}
