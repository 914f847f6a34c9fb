package call

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/events"
	"chatcore-backend/internal/realtime"
	"chatcore-backend/internal/realtime/realtimetest"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/repository/memory"
	"chatcore-backend/internal/service/conversation"
	apperrors "chatcore-backend/pkg/errors"
)

type fakePresence struct {
	online map[string]bool
	remote map[string]bool
}

func (p *fakePresence) IsOnline(_ context.Context, userID string) bool { return p.online[userID] }

func (p *fakePresence) IsLocal(userID string) bool { return p.online[userID] && !p.remote[userID] }

type fixture struct {
	db       *memory.DB
	store    *repository.Store
	recorder *realtimetest.Recorder
	events   *events.Memory
	presence *fakePresence
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.New()
	db.PutUser(&domain.User{ID: "caller", Name: "Caller"})
	db.PutUser(&domain.User{ID: "callee", Name: "Callee"})
	db.PutUser(&domain.User{ID: "other", Name: "Other"})

	store := db.Store()
	recorder := realtimetest.New()
	published := &events.Memory{}
	presence := &fakePresence{
		online: map[string]bool{"caller": true, "callee": true},
		remote: map[string]bool{},
	}
	fanout := conversation.NewService(store, recorder, presence)
	return &fixture{
		db:       db,
		store:    store,
		recorder: recorder,
		events:   published,
		presence: presence,
		svc:      NewService(store, fanout, recorder, presence, published),
	}
}

func (f *fixture) initiate(t *testing.T) *domain.Message {
	t.Helper()
	trace, err := f.svc.Initiate(context.Background(), &InitiateInput{
		CallerID:   "caller",
		ReceiverID: "callee",
		IsVideo:    true,
		Offer:      json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	require.NoError(t, err)
	return trace
}

func (f *fixture) status(t *testing.T, messageID string) *domain.CallInfo {
	t.Helper()
	msg, err := f.store.Messages.GetByID(context.Background(), messageID)
	require.NoError(t, err)
	return msg.Call
}

func candidate(n int) json.RawMessage {
	return json.RawMessage(`{"candidate":"c` + string(rune('0'+n)) + `"}`)
}

func TestInitiate_ReceiverOffline(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initiate(context.Background(), &InitiateInput{CallerID: "caller", ReceiverID: "other"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeReceiverOffline))
	assert.Equal(t, 0, f.db.CountMessages())
	assert.Equal(t, 0, f.db.CountConversations())
	assert.Empty(t, f.recorder.Pushes())
}

func TestInitiate(t *testing.T) {
	f := newFixture(t)
	trace := f.initiate(t)

	assert.Equal(t, domain.KindCall, trace.Kind)
	assert.Equal(t, domain.CallRinging, f.status(t, trace.ID).Status)

	conv, err := f.store.Conversations.FindDirect(context.Background(), "caller", "callee")
	require.NoError(t, err)
	assert.Equal(t, []string{trace.ID}, conv.MessageIDs)

	data, ok := f.recorder.Last("callee", realtime.EventIncomingCall)
	require.True(t, ok)
	incoming := data.(*Incoming)
	assert.Equal(t, trace.ID, incoming.MessageID)
	assert.Equal(t, "Caller", incoming.From.Name)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(incoming.Offer))

	assert.Equal(t, 0, f.recorder.Count("caller", realtime.EventIncomingCall))
	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventCallInitiated))
	assert.Equal(t, 1, f.svc.calls.size())
}

func TestCandidatesAroundAnswerArriveInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)

	for i := 1; i <= 2; i++ {
		require.NoError(t, f.svc.RelayCandidate(ctx, "caller", &CandidateInput{
			TargetUserID: "callee", MessageID: trace.ID, Candidate: candidate(i),
		}))
	}
	assert.Equal(t, 0, f.recorder.Count("callee", realtime.EventICECandidate))

	require.NoError(t, f.svc.Answer(ctx, &AnswerInput{
		ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID, Answer: json.RawMessage(`{"type":"answer"}`),
	}))
	require.NoError(t, f.svc.RelayCandidate(ctx, "caller", &CandidateInput{
		TargetUserID: "callee", MessageID: trace.ID, Candidate: candidate(3),
	}))

	var got []string
	for _, data := range f.recorder.Filter("callee", realtime.EventICECandidate) {
		c := data.(*Candidate)
		assert.Equal(t, "caller", c.From)
		got = append(got, string(c.Candidate))
	}
	assert.Equal(t, []string{string(candidate(1)), string(candidate(2)), string(candidate(3))}, got)

	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventCallAccepted))
	assert.Equal(t, domain.CallInProgress, f.status(t, trace.ID).Status)
}

// hookedEmitter records every push and runs on once, right after the first push of event
type hookedEmitter struct {
	*realtimetest.Recorder
	event string
	on    func(ctx context.Context, userID string, data any)
}

func (h *hookedEmitter) ToUser(ctx context.Context, userID, event string, data any) {
	h.Recorder.ToUser(ctx, userID, event, data)
	if on := h.on; on != nil && event == h.event {
		h.on = nil
		on(ctx, userID, data)
	}
}

func (f *fixture) onPush(event string, on func(ctx context.Context, userID string, data any)) {
	f.svc.emitter = &hookedEmitter{Recorder: f.recorder, event: event, on: on}
}

func (f *fixture) relayFromCaller(t *testing.T, messageID string, n int) {
	t.Helper()
	require.NoError(t, f.svc.RelayCandidate(context.Background(), "caller", &CandidateInput{
		TargetUserID: "callee", MessageID: messageID, Candidate: candidate(n),
	}))
}

func (f *fixture) calleeCandidates() []string {
	var got []string
	for _, data := range f.recorder.Filter("callee", realtime.EventICECandidate) {
		got = append(got, string(data.(*Candidate).Candidate))
	}
	return got
}

func TestCandidateSentWhileFlushingQueuesBehindBuffered(t *testing.T) {
	f := newFixture(t)
	trace := f.initiate(t)
	f.relayFromCaller(t, trace.ID, 1)
	f.relayFromCaller(t, trace.ID, 2)

	// the caller reacts to call-accepted before the buffered candidates are out
	f.onPush(realtime.EventCallAccepted, func(context.Context, string, any) {
		f.relayFromCaller(t, trace.ID, 3)
	})
	require.NoError(t, f.svc.Answer(context.Background(), &AnswerInput{
		ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID, Answer: json.RawMessage(`{"type":"answer"}`),
	}))
	assert.Equal(t, []string{string(candidate(1)), string(candidate(2)), string(candidate(3))}, f.calleeCandidates())

	f.relayFromCaller(t, trace.ID, 4)
	assert.Len(t, f.calleeCandidates(), 4)
}

func TestAnswerFromInsideIncomingCall(t *testing.T) {
	f := newFixture(t)

	var answerErr error
	f.onPush(realtime.EventIncomingCall, func(ctx context.Context, userID string, data any) {
		answerErr = f.svc.Answer(ctx, &AnswerInput{
			ReceiverID: userID,
			CallerID:   "caller",
			MessageID:  data.(*Incoming).MessageID,
			Answer:     json.RawMessage(`{"type":"answer"}`),
		})
	})
	trace := f.initiate(t)

	require.NoError(t, answerErr)
	assert.Equal(t, domain.CallInProgress, f.status(t, trace.ID).Status)
	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventCallAccepted))

	f.relayFromCaller(t, trace.ID, 1)
	assert.Len(t, f.calleeCandidates(), 1)
}

func TestTracker_DrainAcceptsOnlyWhenEmpty(t *testing.T) {
	tr := newTracker()
	tr.start(&trackedCall{messageID: "m1", callerID: "a", receiverID: "b", phase: phaseRinging})
	defer tr.finish("m1")

	assert.True(t, tr.buffer("m1", "a", "b", candidate(1)))
	assert.False(t, tr.buffer("m1", "b", "a", candidate(2)))

	tr.accept("m1", time.Now())
	assert.True(t, tr.buffer("m1", "a", "b", candidate(3)))
	assert.Len(t, tr.drain("m1"), 2)

	assert.True(t, tr.buffer("m1", "a", "b", candidate(4)))
	assert.Len(t, tr.drain("m1"), 1)

	assert.Empty(t, tr.drain("m1"))
	assert.False(t, tr.buffer("m1", "a", "b", candidate(5)))
}

func TestCandidatesFromCalleePassThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)

	require.NoError(t, f.svc.RelayCandidate(ctx, "callee", &CandidateInput{
		TargetUserID: "caller", MessageID: trace.ID, Candidate: candidate(1),
	}))
	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventICECandidate))
}

func TestCandidatesForRemoteReceiverPassThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.presence.remote["callee"] = true
	trace := f.initiate(t)

	require.NoError(t, f.svc.RelayCandidate(ctx, "caller", &CandidateInput{
		TargetUserID: "callee", MessageID: trace.ID, Candidate: candidate(1),
	}))
	assert.Equal(t, 1, f.recorder.Count("callee", realtime.EventICECandidate))
}

func TestAnswer_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)

	err := f.svc.Answer(ctx, &AnswerInput{ReceiverID: "caller", CallerID: "callee", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = f.svc.Answer(ctx, &AnswerInput{ReceiverID: "callee", CallerID: "other", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	err = f.svc.Answer(ctx, &AnswerInput{ReceiverID: "callee", MessageID: "missing"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	require.NoError(t, f.svc.Answer(ctx, &AnswerInput{ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID}))
	err = f.svc.Answer(ctx, &AnswerInput{ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)

	require.NoError(t, f.svc.Reject(ctx, &RejectInput{ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID, Reason: "busy"}))

	assert.Equal(t, domain.CallRejected, f.status(t, trace.ID).Status)
	data, ok := f.recorder.Last("caller", realtime.EventCallRejected)
	require.True(t, ok)
	assert.Equal(t, "busy", data.(*Rejected).Reason)
	assert.Equal(t, 0, f.svc.calls.size())
	assert.Contains(t, f.events.Types(), events.TypeCallEnded)

	err := f.svc.End(ctx, &EndInput{ActorID: "caller", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))
}

func TestEnd_BeforeAnswerStaysMissed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)

	require.NoError(t, f.svc.End(ctx, &EndInput{ActorID: "caller", PartnerID: "callee", MessageID: trace.ID, DurationSeconds: 30}))

	info := f.status(t, trace.ID)
	assert.Equal(t, domain.CallMissed, info.Status)
	assert.Equal(t, 0, info.DurationSeconds)
	assert.Equal(t, 1, f.recorder.Count("callee", realtime.EventCallEnded))
	assert.Equal(t, 1, f.recorder.Count("callee", realtime.EventCallTerminated))
}

func TestEnd_AnsweredCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trace := f.initiate(t)
	require.NoError(t, f.svc.Answer(ctx, &AnswerInput{ReceiverID: "callee", CallerID: "caller", MessageID: trace.ID}))

	err := f.svc.End(ctx, &EndInput{ActorID: "other", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = f.svc.End(ctx, &EndInput{ActorID: "callee", PartnerID: "other", MessageID: trace.ID})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	f.recorder.Reset()
	require.NoError(t, f.svc.End(ctx, &EndInput{ActorID: "callee", PartnerID: "caller", MessageID: trace.ID, DurationSeconds: 42}))

	info := f.status(t, trace.ID)
	assert.Equal(t, domain.CallCompleted, info.Status)
	assert.Equal(t, 42, info.DurationSeconds)
	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventCallTerminated))
	assert.Equal(t, 1, f.recorder.Count("caller", realtime.EventConversation))
	assert.Equal(t, 1, f.recorder.Count("callee", realtime.EventConversation))
}

func TestClampDuration(t *testing.T) {
	assert.Equal(t, 0, clampDuration(-5))
	assert.Equal(t, 90, clampDuration(90))
	assert.Equal(t, 24*60*60, clampDuration(1<<30))
}

func TestDisconnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ringing := f.initiate(t)
	f.db.PutUser(&domain.User{ID: "third", Name: "Third"})
	f.presence.online["third"] = true
	answered, err := f.svc.Initiate(ctx, &InitiateInput{CallerID: "third", ReceiverID: "caller"})
	require.NoError(t, err)
	require.NoError(t, f.svc.Answer(ctx, &AnswerInput{ReceiverID: "caller", CallerID: "third", MessageID: answered.ID}))

	f.svc.Disconnected(ctx, "caller")

	assert.Equal(t, domain.CallMissed, f.status(t, ringing.ID).Status)
	assert.Equal(t, domain.CallCompleted, f.status(t, answered.ID).Status)
	assert.Equal(t, 1, f.recorder.Count("callee", realtime.EventCallTerminated))
	assert.Equal(t, 1, f.recorder.Count("third", realtime.EventCallTerminated))
	assert.Equal(t, 0, f.svc.calls.size())
}
