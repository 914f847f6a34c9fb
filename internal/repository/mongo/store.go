// Package mongo implements the document store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatcore-backend/internal/repository"
)

// Collection names
const (
	UsersCollection          = "users"
	ConversationsCollection  = "conversations"
	MessagesCollection       = "messages"
	FriendRequestsCollection = "friendrequests"
)

// NewStore builds the repository bundle over db.
// useTransactions requires a replica set; without it multi-document writes run sequentially.
func NewStore(db *mongo.Database, useTransactions bool) *repository.Store {
	return &repository.Store{
		Users:          NewUserRepository(db.Collection(UsersCollection)),
		Conversations:  NewConversationRepository(db.Collection(ConversationsCollection)),
		Messages:       NewMessageRepository(db.Collection(MessagesCollection)),
		FriendRequests: NewFriendRequestRepository(db.Collection(FriendRequestsCollection)),
		Tx:             &Transactor{client: db.Client(), enabled: useTransactions},
	}
}

// Transactor runs functions inside a MongoDB session transaction
type Transactor struct {
	client  *mongo.Client
	enabled bool
}

// WithTransaction runs fn in a transaction. A call made with a session context joins that session.
func (t *Transactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !t.enabled || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx)
	}

	session, err := t.client.StartSession()
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// EnsureIndexes creates the indexes the store relies on, including the unique pair keys
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		ConversationsCollection: {
			{
				Keys: bson.D{{Key: "pairKey", Value: 1}},
				Options: options.Index().
					SetName("uniq_direct_pair").
					SetUnique(true).
					SetPartialFilterExpression(bson.D{{Key: "isGroup", Value: false}}),
			},
			{Keys: bson.D{{Key: "memberIds", Value: 1}}},
			{Keys: bson.D{{Key: "participantA", Value: 1}}},
			{Keys: bson.D{{Key: "participantB", Value: 1}}},
		},
		MessagesCollection: {
			{Keys: bson.D{{Key: "conversationId", Value: 1}}},
		},
		FriendRequestsCollection: {
			{
				Keys:    bson.D{{Key: "pairKey", Value: 1}},
				Options: options.Index().SetName("uniq_friend_pair").SetUnique(true),
			},
		},
	}

	for coll, models := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// translate maps driver errors onto the repository sentinels
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return repository.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return repository.ErrDuplicate
	default:
		return err
	}
}

// matched turns an update that touched no document into ErrNotFound
func matched(res *mongo.UpdateResult, err error) error {
	if err != nil {
		return translate(err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func decodeAll[T any](ctx context.Context, cur *mongo.Cursor) ([]*T, error) {
	defer cur.Close(ctx)
	var out []*T
	for cur.Next(ctx) {
		var v T
		if err := cur.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, cur.Err()
}
