package ws

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/events"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/realtime/realtimetest"
	"chatcore-backend/internal/repository/memory"
	"chatcore-backend/internal/service/call"
	"chatcore-backend/internal/service/chat"
	"chatcore-backend/internal/service/conversation"
	"chatcore-backend/internal/service/friend"
	"chatcore-backend/internal/service/group"
	apperrors "chatcore-backend/pkg/errors"
)

type reply struct {
	event string
	data  any
}

type fakeSession struct {
	userID  string
	mu      sync.Mutex
	replies []reply
}

func (s *fakeSession) UserID() string { return s.userID }

func (s *fakeSession) Reply(event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply{event: event, data: data})
}

func (s *fakeSession) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.replies {
		out = append(out, r.event)
	}
	return out
}

func (s *fakeSession) last(event string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.replies) - 1; i >= 0; i-- {
		if s.replies[i].event == event {
			return s.replies[i].data, true
		}
	}
	return nil, false
}

func (s *fakeSession) errorCode(t *testing.T, event string) apperrors.ErrorCode {
	t.Helper()
	data, ok := s.last(event)
	require.True(t, ok, "expected %s reply, got %v", event, s.events())
	payload := data.(*realtime.ErrorPayload)
	assert.False(t, payload.Success)
	return apperrors.ErrorCode(payload.Code)
}

func newServices(db *memory.DB, emitter realtime.Emitter, registry *presence.Registry) Services {
	store := db.Store()
	fanout := conversation.NewService(store, emitter, registry)
	return Services{
		Conversations: fanout,
		Chat:          chat.NewService(store, fanout, emitter, events.Noop{}),
		Groups:        group.NewService(store, fanout, emitter, events.Noop{}),
		Friends:       friend.NewService(store, emitter),
		Calls:         call.NewService(store, fanout, emitter, registry, events.Noop{}),
	}
}

type routerFixture struct {
	recorder *realtimetest.Recorder
	router   *Router
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	db := memory.New()
	db.PutUser(&domain.User{ID: "alice", Name: "Alice"})
	db.PutUser(&domain.User{ID: "bob", Name: "Bob"})

	recorder := realtimetest.New()
	return &routerFixture{
		recorder: recorder,
		router:   NewRouter(newServices(db, recorder, presence.NewRegistry())),
	}
}

func (f *routerFixture) dispatch(userID, frame string) *fakeSession {
	s := &fakeSession{userID: userID}
	f.router.Dispatch(context.Background(), s, []byte(frame))
	return s
}

func TestDispatch_MalformedAndUnknown(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `not json`)
	assert.Equal(t, apperrors.ErrCodeValidation, s.errorCode(t, realtime.EventError))

	s = f.dispatch("alice", `{"event":"teleport","data":{}}`)
	assert.Equal(t, apperrors.ErrCodeValidation, s.errorCode(t, realtime.EventError))

	s = f.dispatch("alice", `{"event":"newMessage"}`)
	assert.Equal(t, apperrors.ErrCodeValidation, s.errorCode(t, realtime.EventMessageError))
}

func TestDispatch_ActorMustMatchConnection(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `{"event":"newMessage","data":{"sender":"bob","receiver":"alice","text":"hi"}}`)
	assert.Equal(t, apperrors.ErrCodeForbidden, s.errorCode(t, realtime.EventMessageError))
	assert.Empty(t, f.recorder.Pushes())

	s = f.dispatch("alice", `{"event":"sidebar","data":"bob"}`)
	assert.Equal(t, apperrors.ErrCodeForbidden, s.errorCode(t, realtime.EventError))
}

func TestDispatch_NewMessageAndSeen(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `{"event":"newMessage","data":{"sender":"alice","receiver":"bob","text":"hi"}}`)
	assert.Empty(t, s.events())
	assert.Equal(t, 1, f.recorder.Count("alice", realtime.EventMessage))
	assert.Equal(t, 1, f.recorder.Count("bob", realtime.EventMessage))

	data, ok := f.recorder.Last("bob", realtime.EventConversation)
	require.True(t, ok)
	list := data.([]*domain.ConversationSummary)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].UnseenCount)

	s = f.dispatch("bob", `{"event":"seen","data":"alice"}`)
	assert.Empty(t, s.events())
	data, _ = f.recorder.Last("bob", realtime.EventConversation)
	assert.Equal(t, 0, data.([]*domain.ConversationSummary)[0].UnseenCount)
}

func TestDispatch_JoinRoomWithUser(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `{"event":"joinRoom","data":"bob"}`)
	assert.Equal(t, []string{realtime.EventMessageUser, realtime.EventMessage, realtime.EventConversation}, s.events())

	data, _ := s.last(realtime.EventMessageUser)
	counterpart := data.(*domain.UserPresence)
	assert.Equal(t, "bob", counterpart.ID)
	assert.False(t, counterpart.Online)

	data, _ = s.last(realtime.EventMessage)
	assert.Empty(t, data.(*domain.Thread).Messages)
}

func TestDispatch_SidebarReplies(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `{"event":"sidebar","data":"alice"}`)
	data, ok := s.last(realtime.EventConversation)
	require.True(t, ok)
	assert.Empty(t, data.([]*domain.ConversationSummary))
}

func TestDispatch_ErrorEventsPerDomain(t *testing.T) {
	f := newRouterFixture(t)

	s := f.dispatch("alice", `{"event":"createGroupChat","data":{"name":"Pair","members":["bob"],"creator":"alice"}}`)
	assert.Equal(t, apperrors.ErrCodeInvalidSize, s.errorCode(t, realtime.EventGroupError))

	s = f.dispatch("alice", `{"event":"sendFriendRequest","data":{"receiverId":"alice"}}`)
	assert.Equal(t, apperrors.ErrCodeInvalidTarget, s.errorCode(t, realtime.EventFriendRequestError))

	s = f.dispatch("alice", `{"event":"call-user","data":{"receiverId":"bob","isVideo":false}}`)
	assert.Equal(t, apperrors.ErrCodeReceiverOffline, s.errorCode(t, realtime.EventCallError))
}

func TestDispatch_CheckFriendStatus(t *testing.T) {
	f := newRouterFixture(t)

	f.dispatch("alice", `{"event":"sendFriendRequest","data":{"receiverId":"bob"}}`)
	assert.Equal(t, 1, f.recorder.Count("bob", realtime.EventFriendRequestReceived))

	s := f.dispatch("bob", `{"event":"checkFriendStatus","data":{"userId":"alice"}}`)
	data, ok := s.last(realtime.EventFriendStatus)
	require.True(t, ok)
	assert.Equal(t, domain.FriendStatusPendingReceived, data.(*domain.FriendStatusView).Status)
}
