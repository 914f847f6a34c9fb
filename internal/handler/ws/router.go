package ws

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/service/call"
	"chatcore-backend/internal/service/chat"
	"chatcore-backend/internal/service/conversation"
	"chatcore-backend/internal/service/friend"
	"chatcore-backend/internal/service/group"
	"chatcore-backend/pkg/constants"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// Session is the connection an inbound event arrived on
type Session interface {
	UserID() string
	// Reply sends an event to this connection only
	Reply(event string, data any)
}

// Services are the domain services the router dispatches to
type Services struct {
	Conversations *conversation.Service
	Chat          *chat.Service
	Groups        *group.Service
	Friends       *friend.Service
	Calls         *call.Service
}

type handlerFunc func(ctx context.Context, s Session, data json.RawMessage) error

type route struct {
	errorEvent string
	handle     handlerFunc
}

// Router decodes inbound frames and calls the matching service operation.
// Failures are answered on the originating connection with the event's error event.
type Router struct {
	svc     Services
	routes  map[string]route
	timeout time.Duration
}

// NewRouter creates a router over svc
func NewRouter(svc Services) *Router {
	r := &Router{svc: svc, timeout: constants.DefaultTimeout}
	r.routes = map[string]route{
		realtime.EventSidebar:            {realtime.EventError, r.sidebar},
		realtime.EventJoinRoom:           {realtime.EventError, r.joinRoom},
		realtime.EventSeen:               {realtime.EventError, r.seen},
		realtime.EventDeleteConversation: {realtime.EventError, r.deleteConversation},

		realtime.EventNewMessage:      {realtime.EventMessageError, r.newMessage},
		realtime.EventNewGroupMessage: {realtime.EventMessageError, r.newGroupMessage},
		realtime.EventEditMessage:     {realtime.EventMessageError, r.editMessage},
		realtime.EventDeleteMessage:   {realtime.EventMessageError, r.deleteMessage},

		realtime.EventCreateGroupChat:       {realtime.EventGroupError, r.createGroup},
		realtime.EventAddMembersToGroup:     {realtime.EventGroupError, r.addMembers},
		realtime.EventRemoveMemberFromGroup: {realtime.EventGroupError, r.removeMember},
		realtime.EventToggleDeputyAdmin:     {realtime.EventGroupError, r.toggleDeputy},
		realtime.EventToggleMuteMember:      {realtime.EventGroupError, r.toggleMute},
		realtime.EventUpdateGroupDetails:    {realtime.EventGroupError, r.updateGroupDetails},
		realtime.EventTransferAdminAndLeave: {realtime.EventGroupError, r.transferAndLeave},
		realtime.EventLeaveGroup:            {realtime.EventGroupError, r.leaveGroup},
		realtime.EventDeleteGroup:           {realtime.EventGroupError, r.deleteGroup},

		realtime.EventSendFriendRequest:   {realtime.EventFriendRequestError, r.sendFriendRequest},
		realtime.EventCancelFriendRequest: {realtime.EventFriendRequestError, r.cancelFriendRequest},
		realtime.EventAcceptFriendRequest: {realtime.EventFriendRequestError, r.respondFriendRequest(friend.Accept)},
		realtime.EventRejectFriendRequest: {realtime.EventFriendRequestError, r.respondFriendRequest(friend.Reject)},
		realtime.EventRemoveFriend:        {realtime.EventFriendRequestError, r.removeFriend},
		realtime.EventCheckFriendStatus:   {realtime.EventFriendRequestError, r.checkFriendStatus},

		realtime.EventCallUser:     {realtime.EventCallError, r.callUser},
		realtime.EventAnswerCall:   {realtime.EventCallError, r.answerCall},
		realtime.EventRejectCall:   {realtime.EventCallError, r.rejectCall},
		realtime.EventEndCall:      {realtime.EventCallError, r.endCall},
		realtime.EventICECandidate: {realtime.EventCallError, r.iceCandidate},
	}
	return r
}

// Dispatch handles one inbound frame to completion
func (r *Router) Dispatch(ctx context.Context, s Session, frame []byte) {
	var env realtime.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" {
		metrics.InboundEventsTotal.WithLabelValues("", "invalid").Inc()
		Fail(ctx, s, realtime.EventError, apperrors.ValidationError("Malformed frame"))
		return
	}

	rt, ok := r.routes[env.Event]
	if !ok {
		metrics.InboundEventsTotal.WithLabelValues("", "unknown").Inc()
		logger.FromContext(ctx).Debug("Unknown event", zap.String("event", env.Event))
		Fail(ctx, s, realtime.EventError, apperrors.ValidationError("Unknown event "+env.Event))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := rt.handle(ctx, s, env.Data)
	metrics.EventHandlingDuration.WithLabelValues(env.Event).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.InboundEventsTotal.WithLabelValues(env.Event, "error").Inc()
		Fail(ctx, s, rt.errorEvent, err)
		return
	}
	metrics.InboundEventsTotal.WithLabelValues(env.Event, "ok").Inc()
}

// Fail answers s with an error envelope. Internal causes are logged, never sent.
func Fail(ctx context.Context, s Session, event string, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr.Code == apperrors.ErrCodeInternal {
		logger.FromContext(ctx).Error("Event handling failed", zap.String("error_event", event), zap.Error(err))
	}
	s.Reply(event, &realtime.ErrorPayload{
		Success: false,
		Code:    string(appErr.Code),
		Message: appErr.Message,
	})
}

// actor rejects payloads that claim to act for someone other than the connection's user
func actor(s Session, claimed string) error {
	if claimed != "" && claimed != s.UserID() {
		return apperrors.ForbiddenError("You can only act as yourself")
	}
	return nil
}

// Conversations

func (r *Router) sidebar(ctx context.Context, s Session, data json.RawMessage) error {
	if len(data) > 0 {
		claimed, _, err := decodeID(data)
		if err != nil {
			return err
		}
		if err := actor(s, claimed); err != nil {
			return err
		}
	}
	list, err := r.svc.Conversations.List(ctx, s.UserID())
	if err != nil {
		return err
	}
	s.Reply(realtime.EventConversation, list)
	return nil
}

func (r *Router) joinRoom(ctx context.Context, s Session, data json.RawMessage) error {
	id, _, err := decodeID(data)
	if err != nil {
		return err
	}
	room, err := r.svc.Conversations.Open(ctx, s.UserID(), id)
	if err != nil {
		return err
	}

	if room.IsGroup {
		s.Reply(realtime.EventGroupMessage, room.Thread)
	} else {
		s.Reply(realtime.EventMessageUser, room.Counterpart)
		s.Reply(realtime.EventMessage, room.Thread)
	}

	list, err := r.svc.Conversations.List(ctx, s.UserID())
	if err != nil {
		return err
	}
	s.Reply(realtime.EventConversation, list)
	return nil
}

// seen takes a conversation id or, as a bare string, the counterpart of a direct conversation
func (r *Router) seen(ctx context.Context, s Session, data json.RawMessage) error {
	id, bare, err := decodeID(data)
	if err != nil {
		return err
	}
	if id == "" {
		return apperrors.ValidationError("conversationId is required")
	}
	if bare {
		_, err = r.svc.Chat.MarkSeenWith(ctx, id, s.UserID())
	} else {
		_, err = r.svc.Chat.MarkSeen(ctx, id, s.UserID())
	}
	return err
}

func (r *Router) deleteConversation(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[conversationPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Chat.DeleteConversation(ctx, p.ConversationID, s.UserID())
}

// Messages

func (r *Router) newMessage(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[directMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.Sender); err != nil {
		return err
	}
	_, err = r.svc.Chat.SendDirect(ctx, &chat.SendDirectInput{
		SenderID:    s.UserID(),
		ReceiverID:  p.Receiver,
		Text:        p.Text,
		Attachments: p.Attachments,
	})
	return err
}

func (r *Router) newGroupMessage(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[groupMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.MsgByUserID); err != nil {
		return err
	}
	_, err = r.svc.Chat.SendGroup(ctx, &chat.SendGroupInput{
		ConversationID: p.ConversationID,
		SenderID:       s.UserID(),
		Text:           p.Text,
		Attachments:    p.Attachments,
	})
	return err
}

func (r *Router) editMessage(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[editMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	_, err = r.svc.Chat.Edit(ctx, &chat.EditInput{
		MessageID:   p.MessageID,
		RequesterID: s.UserID(),
		Text:        p.Text,
	})
	return err
}

func (r *Router) deleteMessage(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[deleteMessagePayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	_, err = r.svc.Chat.Delete(ctx, p.MessageID, s.UserID())
	return err
}

// Groups

func (r *Router) createGroup(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[createGroupPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.Creator); err != nil {
		return err
	}
	_, err = r.svc.Groups.Create(ctx, &group.CreateInput{
		OwnerID:    s.UserID(),
		Name:       p.Name,
		ProfilePic: p.ProfilePic,
		MemberIDs:  p.Members,
	})
	return err
}

func (r *Router) addMembers(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[addMembersPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	_, err = r.svc.Groups.AddMembers(ctx, p.GroupID, s.UserID(), p.Members)
	return err
}

func (r *Router) removeMember(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[memberPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.RemoveMember(ctx, p.GroupID, s.UserID(), p.MemberID)
}

func (r *Router) toggleDeputy(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[memberPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.ToggleDeputy(ctx, p.GroupID, s.UserID(), p.MemberID, p.Promote)
}

func (r *Router) toggleMute(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[memberPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.ToggleMute(ctx, p.GroupID, s.UserID(), p.MemberID, p.Mute)
}

func (r *Router) updateGroupDetails(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[groupDetailsPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	_, err = r.svc.Groups.UpdateDetails(ctx, &group.UpdateDetailsInput{
		GroupID:    p.GroupID,
		ActorID:    s.UserID(),
		Name:       p.Name,
		ProfilePic: p.ProfilePic,
	})
	return err
}

func (r *Router) transferAndLeave(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[transferPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.TransferOwnerAndLeave(ctx, p.GroupID, s.UserID(), p.NewAdminID)
}

func (r *Router) leaveGroup(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[groupPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.Leave(ctx, p.GroupID, s.UserID())
}

func (r *Router) deleteGroup(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[groupPayload](data)
	if err != nil {
		return err
	}
	if err := actor(s, p.UserID); err != nil {
		return err
	}
	return r.svc.Groups.Delete(ctx, p.GroupID, s.UserID())
}

// Friends

func (r *Router) sendFriendRequest(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[friendRequestPayload](data)
	if err != nil {
		return err
	}
	_, err = r.svc.Friends.Send(ctx, s.UserID(), p.ReceiverID)
	return err
}

func (r *Router) cancelFriendRequest(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[friendRequestPayload](data)
	if err != nil {
		return err
	}
	return r.svc.Friends.Cancel(ctx, p.RequestID, s.UserID())
}

func (r *Router) respondFriendRequest(decision friend.Decision) handlerFunc {
	return func(ctx context.Context, s Session, data json.RawMessage) error {
		p, err := decode[friendRequestPayload](data)
		if err != nil {
			return err
		}
		_, err = r.svc.Friends.Respond(ctx, p.RequestID, s.UserID(), decision)
		return err
	}
}

func (r *Router) removeFriend(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[friendRequestPayload](data)
	if err != nil {
		return err
	}
	return r.svc.Friends.Remove(ctx, s.UserID(), p.FriendID)
}

func (r *Router) checkFriendStatus(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[friendStatusPayload](data)
	if err != nil {
		return err
	}
	view, err := r.svc.Friends.Status(ctx, s.UserID(), p.UserID)
	if err != nil {
		return err
	}
	s.Reply(realtime.EventFriendStatus, view)
	return nil
}

// Calls

func (r *Router) callUser(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[callUserPayload](data)
	if err != nil {
		return err
	}
	_, err = r.svc.Calls.Initiate(ctx, &call.InitiateInput{
		CallerID:   s.UserID(),
		ReceiverID: p.ReceiverID,
		IsVideo:    p.IsVideo,
		Offer:      p.Offer,
	})
	return err
}

func (r *Router) answerCall(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[callReplyPayload](data)
	if err != nil {
		return err
	}
	return r.svc.Calls.Answer(ctx, &call.AnswerInput{
		ReceiverID: s.UserID(),
		CallerID:   p.CallerID,
		MessageID:  p.MessageID,
		Answer:     p.Answer,
	})
}

func (r *Router) rejectCall(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[callReplyPayload](data)
	if err != nil {
		return err
	}
	return r.svc.Calls.Reject(ctx, &call.RejectInput{
		ReceiverID: s.UserID(),
		CallerID:   p.CallerID,
		MessageID:  p.MessageID,
		Reason:     p.Reason,
	})
}

func (r *Router) endCall(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[endCallPayload](data)
	if err != nil {
		return err
	}
	return r.svc.Calls.End(ctx, &call.EndInput{
		ActorID:         s.UserID(),
		PartnerID:       p.PartnerID,
		MessageID:       p.MessageID,
		DurationSeconds: p.Duration,
	})
}

func (r *Router) iceCandidate(ctx context.Context, s Session, data json.RawMessage) error {
	p, err := decode[iceCandidatePayload](data)
	if err != nil {
		return err
	}
	return r.svc.Calls.RelayCandidate(ctx, s.UserID(), &call.CandidateInput{
		TargetUserID: p.TargetUserID,
		MessageID:    p.MessageID,
		Candidate:    p.Candidate,
	})
}
