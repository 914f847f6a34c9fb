package group

import (
	"context"
	"slices"
	"testing"

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

type offline struct{}

func (offline) IsOnline(context.Context, string) bool { return false }

type fixture struct {
	db       *memory.DB
	store    *repository.Store
	recorder *realtimetest.Recorder
	events   *events.Memory
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := memory.New()
	for _, u := range []*domain.User{
		{ID: "o", Name: "O"},
		{ID: "d", Name: "D"},
		{ID: "m1", Name: "M1"},
		{ID: "m2", Name: "M2"},
		{ID: "x", Name: ""},
	} {
		db.PutUser(u)
	}
	store := db.Store()
	recorder := realtimetest.New()
	published := &events.Memory{}
	fanout := conversation.NewService(store, recorder, offline{})
	return &fixture{
		db:       db,
		store:    store,
		recorder: recorder,
		events:   published,
		svc:      NewService(store, fanout, recorder, published),
	}
}

// seed creates a group owned by o with deputy d and members m1, m2
func (f *fixture) seed(t *testing.T) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "Team", MemberIDs: []string{"d", "m1", "m2"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.ToggleDeputy(ctx, conv.ID, "o", "d", true))
	f.recorder.Reset()
	return conv
}

func (f *fixture) reload(t *testing.T, id string) *domain.Conversation {
	t.Helper()
	conv, err := f.store.Conversations.GetByID(context.Background(), id)
	require.NoError(t, err)
	return conv
}

func (f *fixture) lastText(t *testing.T, conv *domain.Conversation) string {
	t.Helper()
	msg, err := f.store.Messages.GetByID(context.Background(), conv.LastMessageID())
	require.NoError(t, err)
	assert.Equal(t, domain.KindSystem, msg.Kind)
	return msg.Text
}

func assertGroupInvariants(t *testing.T, conv *domain.Conversation) {
	t.Helper()
	assert.Contains(t, conv.MemberIDs, conv.OwnerID)
	for _, id := range conv.DeputyAdminIDs {
		assert.Contains(t, conv.MemberIDs, id)
	}
	for _, id := range conv.MutedMemberIDs {
		assert.Contains(t, conv.MemberIDs, id)
		assert.NotEqual(t, conv.OwnerID, id)
	}
}

func TestCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	conv, err := f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "  Team  ", MemberIDs: []string{"m1", "m2", "m1"}})
	require.NoError(t, err)

	assert.True(t, conv.IsGroup)
	assert.Equal(t, "Team", conv.Name)
	assert.ElementsMatch(t, []string{"o", "m1", "m2"}, conv.MemberIDs)
	require.Len(t, conv.MessageIDs, 1)
	assert.Equal(t, "O đã tạo nhóm", f.lastText(t, conv))

	assert.Equal(t, 1, f.recorder.Count("o", realtime.EventGroupCreated))
	for _, id := range []string{"o", "m1", "m2"} {
		data, ok := f.recorder.Last(id, realtime.EventConversation)
		require.True(t, ok, id)
		list := data.([]*domain.ConversationSummary)
		require.Len(t, list, 1)
		assert.Equal(t, conv.ID, list[0].ID)
	}
}

func TestCreate_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "Team", MemberIDs: []string{"m1", "o"}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidSize))

	_, err = f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "Team", MemberIDs: []string{"m1", "ghost"}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, err = f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "   ", MemberIDs: []string{"m1", "m2"}})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	assert.Equal(t, 0, f.db.CountConversations())
	assert.Equal(t, 0, f.db.CountMessages())
}

func TestAddMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv, err := f.svc.Create(ctx, &CreateInput{OwnerID: "o", Name: "Team", MemberIDs: []string{"m1", "m2"}})
	require.NoError(t, err)

	_, err = f.svc.AddMembers(ctx, conv.ID, "m1", []string{"m2", "o"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))

	_, err = f.svc.AddMembers(ctx, conv.ID, "d", []string{"x"})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	added, err := f.svc.AddMembers(ctx, conv.ID, "m1", []string{"m2", "d", "x", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "x"}, added)

	conv = f.reload(t, conv.ID)
	assert.ElementsMatch(t, []string{"o", "m1", "m2", "d", "x"}, conv.MemberIDs)
	assert.Equal(t, "M1 đã thêm D, x vào nhóm", f.lastText(t, conv))
	assert.Equal(t, 1, f.recorder.Count("m1", realtime.EventMembersAdded))
	assert.GreaterOrEqual(t, f.recorder.Count("x", realtime.EventGroupMessage), 1)
}

func TestRemoveMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	err := f.svc.RemoveMember(ctx, conv.ID, "d", "o")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))
	assert.ElementsMatch(t, []string{"o", "d", "m1", "m2"}, f.reload(t, conv.ID).MemberIDs)

	err = f.svc.RemoveMember(ctx, conv.ID, "m1", "m2")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = f.svc.RemoveMember(ctx, conv.ID, "o", "o")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	err = f.svc.RemoveMember(ctx, conv.ID, "o", "x")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	require.NoError(t, f.svc.ToggleMute(ctx, conv.ID, "d", "m1", true))
	require.NoError(t, f.svc.RemoveMember(ctx, conv.ID, "d", "m1"))

	conv = f.reload(t, conv.ID)
	assert.NotContains(t, conv.MemberIDs, "m1")
	assert.NotContains(t, conv.MutedMemberIDs, "m1")
	assertGroupInvariants(t, conv)
	assert.Equal(t, "D đã xóa M1 khỏi nhóm", f.lastText(t, conv))

	assert.Equal(t, 1, f.recorder.Count("m1", realtime.EventRemovedFromGroup))
	data, ok := f.recorder.Last("m1", realtime.EventConversation)
	require.True(t, ok)
	assert.Empty(t, data.([]*domain.ConversationSummary))
	assert.Equal(t, 1, f.recorder.Count("d", realtime.EventMemberRemoved))
}

func TestToggleDeputy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	err := f.svc.ToggleDeputy(ctx, conv.ID, "d", "m1", true)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = f.svc.ToggleDeputy(ctx, conv.ID, "o", "d", true)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))

	err = f.svc.ToggleDeputy(ctx, conv.ID, "o", "m1", false)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))

	require.NoError(t, f.svc.ToggleDeputy(ctx, conv.ID, "o", "d", false))
	conv = f.reload(t, conv.ID)
	assert.Empty(t, conv.DeputyAdminIDs)
	assert.Equal(t, "O đã gỡ quyền phó nhóm của D", f.lastText(t, conv))
}

func TestToggleMute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	tests := []struct {
		name   string
		actor  string
		target string
		code   apperrors.ErrorCode
	}{
		{"deputy mutes owner", "d", "o", apperrors.ErrCodeForbidden},
		{"member mutes member", "m1", "m2", apperrors.ErrCodeForbidden},
		{"non-member target", "o", "x", apperrors.ErrCodeInvalidTarget},
		{"owner mutes self", "o", "o", apperrors.ErrCodeInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.ToggleMute(ctx, conv.ID, tt.actor, tt.target, true)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)
		})
	}

	require.NoError(t, f.svc.ToggleMute(ctx, conv.ID, "o", "d", true))
	conv = f.reload(t, conv.ID)
	assert.Equal(t, []string{"d"}, conv.MutedMemberIDs)
	assert.Equal(t, "O đã tắt quyền nhắn tin của D", f.lastText(t, conv))

	err := f.svc.ToggleMute(ctx, conv.ID, "o", "d", true)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))

	require.NoError(t, f.svc.ToggleMute(ctx, conv.ID, "o", "d", false))
	assert.Equal(t, "O đã mở lại quyền nhắn tin của D", f.lastText(t, f.reload(t, conv.ID)))
}

func TestUpdateDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	name := "Renamed"
	pic := "https://cdn.example.com/g.png"

	_, err := f.svc.UpdateDetails(ctx, &UpdateDetailsInput{GroupID: conv.ID, ActorID: "d", Name: &name})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	updated, err := f.svc.UpdateDetails(ctx, &UpdateDetailsInput{GroupID: conv.ID, ActorID: "o", Name: &name, ProfilePic: &pic})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, pic, updated.ProfilePic)
	assert.Equal(t, `O đã cập nhật tên nhóm thành "Renamed" và ảnh đại diện nhóm`, f.lastText(t, updated))

	_, err = f.svc.UpdateDetails(ctx, &UpdateDetailsInput{GroupID: conv.ID, ActorID: "o", Name: &name})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNoOp))
}

func TestLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	err := f.svc.Leave(ctx, conv.ID, "o")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeOwnerMustTransfer))

	err = f.svc.Leave(ctx, conv.ID, "x")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	require.NoError(t, f.svc.Leave(ctx, conv.ID, "d"))
	conv = f.reload(t, conv.ID)
	assert.NotContains(t, conv.MemberIDs, "d")
	assert.Empty(t, conv.DeputyAdminIDs)
	assert.Equal(t, "D đã rời khỏi nhóm", f.lastText(t, conv))
	assert.Equal(t, 1, f.recorder.Count("d", realtime.EventLeftGroup))
}

func TestTransferOwnerAndLeave(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)
	require.NoError(t, f.svc.ToggleMute(ctx, conv.ID, "o", "m1", true))
	before := len(f.reload(t, conv.ID).MessageIDs)
	f.recorder.Reset()

	err := f.svc.TransferOwnerAndLeave(ctx, conv.ID, "d", "m1")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	err = f.svc.TransferOwnerAndLeave(ctx, conv.ID, "o", "x")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidTarget))

	require.NoError(t, f.svc.TransferOwnerAndLeave(ctx, conv.ID, "o", "m1"))

	conv = f.reload(t, conv.ID)
	assert.Equal(t, "m1", conv.OwnerID)
	assert.NotContains(t, conv.MemberIDs, "o")
	assertGroupInvariants(t, conv)

	require.Len(t, conv.MessageIDs, before+2)
	notices, err := f.store.Messages.GetByIDs(ctx, conv.MessageIDs[before:])
	require.NoError(t, err)
	assert.Equal(t, "O đã chuyển quyền trưởng nhóm cho M1", notices[0].Text)
	assert.Equal(t, "O đã rời khỏi nhóm", notices[1].Text)

	assert.Equal(t, 1, f.recorder.Count("o", realtime.EventAdminTransferred))
	assert.Equal(t, 1, f.recorder.Count("o", realtime.EventConversation))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	err := f.svc.Delete(ctx, conv.ID, "d")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden))

	require.NoError(t, f.svc.Delete(ctx, conv.ID, "o"))
	assert.Equal(t, 0, f.db.CountConversations())
	assert.Equal(t, 0, f.db.CountMessages())
	for _, id := range []string{"o", "d", "m1", "m2"} {
		assert.Equal(t, 1, f.recorder.Count(id, realtime.EventGroupDeleted), id)
	}
	assert.True(t, slices.Contains(f.events.Types(), events.TypeGroupDeleted))
}

func TestOwnerInvariantAcrossOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.seed(t)

	steps := []func() error{
		func() error { return f.svc.ToggleMute(ctx, conv.ID, "d", "o", true) },
		func() error { return f.svc.RemoveMember(ctx, conv.ID, "d", "o") },
		func() error { return f.svc.ToggleMute(ctx, conv.ID, "o", "m2", true) },
		func() error { return f.svc.ToggleDeputy(ctx, conv.ID, "o", "m2", true) },
		func() error { return f.svc.Leave(ctx, conv.ID, "o") },
		func() error { return f.svc.TransferOwnerAndLeave(ctx, conv.ID, "o", "m2") },
		func() error { return f.svc.ToggleMute(ctx, conv.ID, "d", "m2", true) },
		func() error { return f.svc.RemoveMember(ctx, conv.ID, "m2", "d") },
	}
	for _, step := range steps {
		_ = step()
		assertGroupInvariants(t, f.reload(t, conv.ID))
	}
	assert.Equal(t, "m2", f.reload(t, conv.ID).OwnerID)
}

// racingConversations runs race once, right after the first group read returns.
// race receives the reader's context, so it commits between that read and the reader's write.
type racingConversations struct {
	repository.ConversationRepository
	race func(ctx context.Context)
}

func (r *racingConversations) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	conv, err := r.ConversationRepository.GetByID(ctx, id)
	if race := r.race; race != nil {
		r.race = nil
		race(ctx)
	}
	return conv, err
}

func (f *fixture) raceAfterRead(race func(ctx context.Context)) {
	f.store.Conversations = &racingConversations{ConversationRepository: f.store.Conversations, race: race}
}

func TestConcurrentChangesKeepInvariants(t *testing.T) {
	tests := []struct {
		name   string
		race   func(ctx context.Context, f *fixture, id string) error
		act    func(ctx context.Context, f *fixture, id string) error
		code   apperrors.ErrorCode
		verify func(t *testing.T, conv *domain.Conversation)
	}{
		{
			name: "member leaves before being muted",
			race: func(ctx context.Context, f *fixture, id string) error { return f.svc.Leave(ctx, id, "m1") },
			act:  func(ctx context.Context, f *fixture, id string) error { return f.svc.ToggleMute(ctx, id, "d", "m1", true) },
			code: apperrors.ErrCodeInvalidTarget,
			verify: func(t *testing.T, conv *domain.Conversation) {
				assert.NotContains(t, conv.MemberIDs, "m1")
				assert.Empty(t, conv.MutedMemberIDs)
			},
		},
		{
			name: "target becomes owner before a deputy removes them",
			race: func(ctx context.Context, f *fixture, id string) error {
				return f.svc.TransferOwnerAndLeave(ctx, id, "o", "m1")
			},
			act:  func(ctx context.Context, f *fixture, id string) error { return f.svc.RemoveMember(ctx, id, "d", "m1") },
			code: apperrors.ErrCodeForbidden,
			verify: func(t *testing.T, conv *domain.Conversation) {
				assert.Equal(t, "m1", conv.OwnerID)
				assert.Contains(t, conv.MemberIDs, "m1")
				assert.NotContains(t, conv.MemberIDs, "o")
			},
		},
		{
			name: "new owner is removed before the transfer lands",
			race: func(ctx context.Context, f *fixture, id string) error { return f.svc.RemoveMember(ctx, id, "d", "m1") },
			act: func(ctx context.Context, f *fixture, id string) error {
				return f.svc.TransferOwnerAndLeave(ctx, id, "o", "m1")
			},
			code: apperrors.ErrCodeInvalidTarget,
			verify: func(t *testing.T, conv *domain.Conversation) {
				assert.Equal(t, "o", conv.OwnerID)
				assert.Contains(t, conv.MemberIDs, "o")
				assert.NotContains(t, conv.MemberIDs, "m1")
			},
		},
		{
			name: "deputy demoted before muting",
			race: func(ctx context.Context, f *fixture, id string) error { return f.svc.ToggleDeputy(ctx, id, "o", "d", false) },
			act:  func(ctx context.Context, f *fixture, id string) error { return f.svc.ToggleMute(ctx, id, "d", "m2", true) },
			code: apperrors.ErrCodeForbidden,
			verify: func(t *testing.T, conv *domain.Conversation) {
				assert.Empty(t, conv.DeputyAdminIDs)
				assert.Empty(t, conv.MutedMemberIDs)
			},
		},
		{
			name: "same mute applied twice",
			race: func(ctx context.Context, f *fixture, id string) error { return f.svc.ToggleMute(ctx, id, "o", "m2", true) },
			act:  func(ctx context.Context, f *fixture, id string) error { return f.svc.ToggleMute(ctx, id, "d", "m2", true) },
			code: apperrors.ErrCodeNoOp,
			verify: func(t *testing.T, conv *domain.Conversation) {
				assert.Equal(t, []string{"m2"}, conv.MutedMemberIDs)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			conv := f.seed(t)
			before := len(f.reload(t, conv.ID).MessageIDs)

			var raceErr error
			f.raceAfterRead(func(ctx context.Context) {
				raceErr = tt.race(ctx, f, conv.ID)
			})

			err := tt.act(ctx, f, conv.ID)
			require.NoError(t, raceErr)
			assert.True(t, apperrors.HasCode(err, tt.code), "got %v", err)

			after := f.reload(t, conv.ID)
			assertGroupInvariants(t, after)
			tt.verify(t, after)

			// only the change that won posted notices
			alone := newFixture(t)
			aconv := alone.seed(t)
			abefore := len(alone.reload(t, aconv.ID).MessageIDs)
			require.NoError(t, tt.race(ctx, alone, aconv.ID))
			posted := len(alone.reload(t, aconv.ID).MessageIDs) - abefore
			assert.Len(t, after.MessageIDs, before+posted)
		})
	}
}
