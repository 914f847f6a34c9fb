// Package memory is an in-process document store. It backs STORE_DRIVER=memory and the service tests.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/repository"
)

// DB holds every collection behind one lock
type DB struct {
	mu             sync.RWMutex
	users          map[string]*domain.User
	conversations  map[string]*domain.Conversation
	directByPair   map[string]string
	messages       map[string]*domain.Message
	friendRequests map[string]*domain.FriendRequest
	friendByPair   map[string]string

	txMu sync.Mutex
}

// New creates an empty database
func New() *DB {
	return &DB{
		users:          make(map[string]*domain.User),
		conversations:  make(map[string]*domain.Conversation),
		directByPair:   make(map[string]string),
		messages:       make(map[string]*domain.Message),
		friendRequests: make(map[string]*domain.FriendRequest),
		friendByPair:   make(map[string]string),
	}
}

// Store returns the repository bundle backed by db
func (db *DB) Store() *repository.Store {
	return &repository.Store{
		Users:          (*userRepo)(db),
		Conversations:  (*conversationRepo)(db),
		Messages:       (*messageRepo)(db),
		FriendRequests: (*friendRequestRepo)(db),
		Tx:             db,
	}
}

// PutUser inserts or replaces a user profile
func (db *DB) PutUser(u *domain.User) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *u
	db.users[u.ID] = &cp
}

type txKey struct{}

// WithTransaction serializes fn against other transactions. There is no rollback:
// callers validate before they mutate.
func (db *DB) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	db.txMu.Lock()
	defer db.txMu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

// Users

type userRepo DB

func (r *userRepo) GetByID(_ context.Context, id string) (*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *userRepo) GetByIDs(_ context.Context, ids []string) (map[string]*domain.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*domain.User, len(ids))
	for _, id := range ids {
		if u, ok := r.users[id]; ok {
			cp := *u
			out[id] = &cp
		}
	}
	return out, nil
}

// Conversations

type conversationRepo DB

func (r *conversationRepo) Create(_ context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[conv.ID]; ok {
		return repository.ErrDuplicate
	}
	if !conv.IsGroup {
		if _, ok := r.directByPair[conv.PairKey]; ok {
			return repository.ErrDuplicate
		}
		r.directByPair[conv.PairKey] = conv.ID
	}
	r.conversations[conv.ID] = conv.Clone()
	return nil
}

func (r *conversationRepo) GetByID(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *conversationRepo) FindDirect(_ context.Context, a, b string) (*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.directByPair[domain.PairKey(a, b)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.conversations[id].Clone(), nil
}

func (r *conversationRepo) FindOrCreateDirect(_ context.Context, a, b string, at time.Time) (*domain.Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := domain.PairKey(a, b)
	if id, ok := r.directByPair[key]; ok {
		return r.conversations[id].Clone(), false, nil
	}
	conv := domain.NewDirectConversation(uuid.NewString(), a, b, at)
	r.directByPair[key] = conv.ID
	r.conversations[conv.ID] = conv
	return conv.Clone(), true, nil
}

func (r *conversationRepo) ListForUser(_ context.Context, userID string) ([]*domain.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Conversation
	for _, c := range r.conversations {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// update applies fn to the stored conversation under the write lock
func (r *conversationRepo) update(id string, at time.Time, fn func(c *domain.Conversation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(c)
	c.UpdatedAt = at
	return nil
}

func (r *conversationRepo) AppendMessage(_ context.Context, id, messageID string, at time.Time) error {
	return r.update(id, at, func(c *domain.Conversation) {
		c.MessageIDs = append(c.MessageIDs, messageID)
	})
}

// guarded applies fn like update, but only while guard holds. fn may refuse with an error before mutating.
func (r *conversationRepo) guarded(id string, guard repository.RoleGuard, at time.Time, fn func(c *domain.Conversation) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !guard.Holds(c) {
		return repository.ErrConflict
	}
	if err := fn(c); err != nil {
		return err
	}
	c.UpdatedAt = at
	return nil
}

func (r *conversationRepo) AddMembers(_ context.Context, id string, userIDs []string, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		c.MemberIDs = addToSet(c.MemberIDs, userIDs...)
		return nil
	})
}

func (r *conversationRepo) RemoveMember(_ context.Context, id, userID string, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		c.MemberIDs = pull(c.MemberIDs, userID)
		c.DeputyAdminIDs = pull(c.DeputyAdminIDs, userID)
		c.MutedMemberIDs = pull(c.MutedMemberIDs, userID)
		return nil
	})
}

func (r *conversationRepo) SetDeputy(_ context.Context, id, userID string, deputy bool, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		if deputy {
			c.DeputyAdminIDs = addToSet(c.DeputyAdminIDs, userID)
		} else {
			c.DeputyAdminIDs = pull(c.DeputyAdminIDs, userID)
		}
		return nil
	})
}

func (r *conversationRepo) SetMuted(_ context.Context, id, userID string, muted bool, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		if c.IsMuted(userID) == muted {
			return repository.ErrConflict
		}
		if muted {
			c.MutedMemberIDs = addToSet(c.MutedMemberIDs, userID)
		} else {
			c.MutedMemberIDs = pull(c.MutedMemberIDs, userID)
		}
		return nil
	})
}

func (r *conversationRepo) UpdateDetails(_ context.Context, id string, name, profilePic *string, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		if name != nil {
			c.Name = *name
		}
		if profilePic != nil {
			c.ProfilePic = *profilePic
		}
		return nil
	})
}

func (r *conversationRepo) TransferOwner(_ context.Context, id, newOwnerID string, guard repository.RoleGuard, at time.Time) error {
	return r.guarded(id, guard, at, func(c *domain.Conversation) error {
		c.OwnerID = newOwnerID
		c.DeputyAdminIDs = pull(c.DeputyAdminIDs, newOwnerID)
		c.MutedMemberIDs = pull(c.MutedMemberIDs, newOwnerID)
		return nil
	})
}

func (r *conversationRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return repository.ErrNotFound
	}
	if !c.IsGroup {
		delete(r.directByPair, c.PairKey)
	}
	delete(r.conversations, id)
	return nil
}

// Messages

type messageRepo DB

func (r *messageRepo) Create(_ context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[msg.ID]; ok {
		return repository.ErrDuplicate
	}
	r.messages[msg.ID] = msg.Clone()
	return nil
}

func (r *messageRepo) GetByID(_ context.Context, id string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m.Clone(), nil
}

func (r *messageRepo) GetByIDs(_ context.Context, ids []string) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.messages[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (r *messageRepo) liveNormal(id string) (*domain.Message, error) {
	m, ok := r.messages[id]
	if !ok || m.IsDeleted || m.Kind != domain.KindNormal {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (r *messageRepo) Edit(_ context.Context, id, text string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.liveNormal(id)
	if err != nil {
		return err
	}
	if !m.IsEdited {
		m.OriginalText = m.Text
	}
	m.Text = text
	m.IsEdited = true
	m.UpdatedAt = at
	return nil
}

func (r *messageRepo) SoftDelete(_ context.Context, id, tombstone string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, err := r.liveNormal(id)
	if err != nil {
		return err
	}
	m.Text = tombstone
	m.Attachments = []domain.Attachment{}
	m.IsDeleted = true
	m.UpdatedAt = at
	return nil
}

func (r *messageRepo) UpdateCall(_ context.Context, id string, from []domain.CallStatus, status domain.CallStatus, durationSeconds int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok || m.Call == nil || !slices.Contains(from, m.Call.Status) {
		return repository.ErrNotFound
	}
	m.Call.Status = status
	m.Call.DurationSeconds = durationSeconds
	m.UpdatedAt = at
	return nil
}

func (r *messageRepo) MarkSeenDirect(_ context.Context, ids []string, viewerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m, ok := r.messages[id]; ok && m.SenderID != viewerID && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n, nil
}

func (r *messageRepo) MarkSeenGroup(_ context.Context, ids []string, viewerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range ids {
		if m, ok := r.messages[id]; ok && m.SenderID != viewerID && !slices.Contains(m.SeenBy, viewerID) {
			m.SeenBy = append(m.SeenBy, viewerID)
			n++
		}
	}
	return n, nil
}

func (r *messageRepo) CountUnseen(_ context.Context, ids []string, userID string, isGroup bool) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if m, ok := r.messages[id]; ok && !m.IsSeenBy(userID, isGroup) {
			n++
		}
	}
	return n, nil
}

func (r *messageRepo) DeleteByConversation(_ context.Context, conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if m.ConversationID == conversationID {
			delete(r.messages, id)
		}
	}
	return nil
}

// Friend requests

type friendRequestRepo DB

func (r *friendRequestRepo) Create(_ context.Context, req *domain.FriendRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.friendByPair[req.PairKey]; ok {
		return repository.ErrDuplicate
	}
	cp := *req
	r.friendRequests[req.ID] = &cp
	r.friendByPair[req.PairKey] = req.ID
	return nil
}

func (r *friendRequestRepo) GetByID(_ context.Context, id string) (*domain.FriendRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.friendRequests[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (r *friendRequestRepo) FindByPair(ctx context.Context, a, b string) (*domain.FriendRequest, error) {
	r.mu.RLock()
	id, ok := r.friendByPair[domain.PairKey(a, b)]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *friendRequestRepo) Accept(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.friendRequests[id]
	if !ok || req.Status != domain.FriendPending {
		return repository.ErrNotFound
	}
	req.Status = domain.FriendAccepted
	req.UpdatedAt = at
	return nil
}

func (r *friendRequestRepo) Delete(_ context.Context, id string, status domain.FriendRequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.friendRequests[id]
	if !ok || req.Status != status {
		return repository.ErrNotFound
	}
	delete(r.friendRequests, id)
	delete(r.friendByPair, req.PairKey)
	return nil
}

// CountFriendRequests returns the number of friend requests stored for the pair
func (db *DB) CountFriendRequests(a, b string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	n := 0
	key := domain.PairKey(a, b)
	for _, req := range db.friendRequests {
		if req.PairKey == key {
			n++
		}
	}
	return n
}

// CountMessages returns the number of stored messages
func (db *DB) CountMessages() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.messages)
}

// CountConversations returns the number of stored conversations
func (db *DB) CountConversations() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.conversations)
}

func addToSet(set []string, values ...string) []string {
	for _, v := range values {
		if !slices.Contains(set, v) {
			set = append(set, v)
		}
	}
	return set
}

func pull(set []string, value string) []string {
	return slices.DeleteFunc(set, func(v string) bool { return v == value })
}
