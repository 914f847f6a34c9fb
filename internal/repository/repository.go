// Package repository defines the document store operations the chat core depends on.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatcore-backend/internal/domain"
)

var (
	// ErrNotFound is returned when a document does not exist or a conditional update matched nothing
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when a unique key would be violated
	ErrDuplicate = errors.New("duplicate key")
	// ErrConflict is returned when a guarded group update finds the roles changed since they were read
	ErrConflict = errors.New("group changed since it was read")
)

// RoleGuard pins the roles a group update was authorized against.
// The update applies only while both still hold. An empty id skips that side.
type RoleGuard struct {
	ActorID    string
	ActorRole  domain.GroupRole
	TargetID   string
	TargetRole domain.GroupRole
}

// Holds reports whether conv still matches the guard
func (g RoleGuard) Holds(conv *domain.Conversation) bool {
	if g.ActorID != "" && conv.RoleOf(g.ActorID) != g.ActorRole {
		return false
	}
	if g.TargetID != "" && conv.RoleOf(g.TargetID) != g.TargetRole {
		return false
	}
	return true
}

// UserRepository reads user profiles
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	// GetByIDs returns the users that exist, keyed by id
	GetByIDs(ctx context.Context, ids []string) (map[string]*domain.User, error)
}

// ConversationRepository persists direct and group conversations.
// Every mutation is a single-document atomic update. Group mutations take a RoleGuard
// and fail with ErrConflict when it no longer holds.
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	FindDirect(ctx context.Context, a, b string) (*domain.Conversation, error)
	// FindOrCreateDirect returns the direct conversation for the pair, creating it when absent.
	// created is true only for the caller that inserted it.
	FindOrCreateDirect(ctx context.Context, a, b string, at time.Time) (conv *domain.Conversation, created bool, err error)
	ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error)

	AppendMessage(ctx context.Context, id, messageID string, at time.Time) error
	AddMembers(ctx context.Context, id string, userIDs []string, guard RoleGuard, at time.Time) error
	// RemoveMember pulls userID from members, deputies and muted members
	RemoveMember(ctx context.Context, id, userID string, guard RoleGuard, at time.Time) error
	SetDeputy(ctx context.Context, id, userID string, deputy bool, guard RoleGuard, at time.Time) error
	// SetMuted also fails with ErrConflict when userID is already in the requested state
	SetMuted(ctx context.Context, id, userID string, muted bool, guard RoleGuard, at time.Time) error
	UpdateDetails(ctx context.Context, id string, name, profilePic *string, guard RoleGuard, at time.Time) error
	// TransferOwner makes newOwnerID the owner and strips them of deputy and muted status
	TransferOwner(ctx context.Context, id, newOwnerID string, guard RoleGuard, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// MessageRepository persists messages
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	// GetByIDs returns the messages in the order of ids, skipping missing ones
	GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error)

	// Edit replaces the text of a live normal message, keeping the first original text
	Edit(ctx context.Context, id, text string, at time.Time) error
	// SoftDelete tombstones a live normal message
	SoftDelete(ctx context.Context, id, tombstone string, at time.Time) error
	// UpdateCall moves a call trace from one of the from statuses to status
	UpdateCall(ctx context.Context, id string, from []domain.CallStatus, status domain.CallStatus, durationSeconds int, at time.Time) error

	// MarkSeenDirect sets seen on the listed messages not authored by viewerID
	MarkSeenDirect(ctx context.Context, ids []string, viewerID string) (int64, error)
	// MarkSeenGroup adds viewerID to seenBy on the listed messages not authored by viewerID
	MarkSeenGroup(ctx context.Context, ids []string, viewerID string) (int64, error)
	CountUnseen(ctx context.Context, ids []string, userID string, isGroup bool) (int, error)
	DeleteByConversation(ctx context.Context, conversationID string) error
}

// FriendRequestRepository persists friend requests, unique per unordered pair
type FriendRequestRepository interface {
	// Create returns ErrDuplicate when a request already exists for the pair
	Create(ctx context.Context, req *domain.FriendRequest) error
	GetByID(ctx context.Context, id string) (*domain.FriendRequest, error)
	FindByPair(ctx context.Context, a, b string) (*domain.FriendRequest, error)
	// Accept moves a pending request to accepted
	Accept(ctx context.Context, id string, at time.Time) error
	// Delete removes the request only while it still has status
	Delete(ctx context.Context, id string, status domain.FriendRequestStatus) error
}

// Transactor runs fn atomically. Nested calls join the outer transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles the repositories of one backend
type Store struct {
	Users          UserRepository
	Conversations  ConversationRepository
	Messages       MessageRepository
	FriendRequests FriendRequestRepository
	Tx             Transactor
}

// PostMessage inserts msg and appends it to its conversation in one transaction
func (s *Store) PostMessage(ctx context.Context, msg *domain.Message) error {
	return s.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.Messages.Create(ctx, msg); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		if err := s.Conversations.AppendMessage(ctx, msg.ConversationID, msg.ID, msg.CreatedAt); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return nil
	})
}

// DeleteConversation removes a conversation and every message it owns
func (s *Store) DeleteConversation(ctx context.Context, conv *domain.Conversation) error {
	return s.Tx.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.Messages.DeleteByConversation(ctx, conv.ID); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		if err := s.Conversations.Delete(ctx, conv.ID); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		return nil
	})
}
