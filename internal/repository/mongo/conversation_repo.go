package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/repository"
)

// ConversationRepository handles conversation documents
type ConversationRepository struct {
	coll *mongo.Collection
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(coll *mongo.Collection) *ConversationRepository {
	return &ConversationRepository{coll: coll}
}

// Create inserts a conversation. A second direct conversation for the same pair fails with ErrDuplicate.
func (r *ConversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.MessageIDs == nil {
		conv.MessageIDs = []string{}
	}
	_, err := r.coll.InsertOne(ctx, conv)
	return translate(err)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *ConversationRepository) FindDirect(ctx context.Context, a, b string) (*domain.Conversation, error) {
	return r.findOne(ctx, directFilter(a, b))
}

// FindOrCreateDirect upserts on the unique pair key, so concurrent first messages converge on one document.
func (r *ConversationRepository) FindOrCreateDirect(ctx context.Context, a, b string, at time.Time) (*domain.Conversation, bool, error) {
	fresh := domain.NewDirectConversation(uuid.NewString(), a, b, at)
	update := bson.M{"$setOnInsert": bson.M{
		"_id":          fresh.ID,
		"participantA": fresh.ParticipantA,
		"participantB": fresh.ParticipantB,
		"messageIds":   fresh.MessageIDs,
		"createdAt":    fresh.CreatedAt,
		"updatedAt":    fresh.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conv domain.Conversation
	err := r.coll.FindOneAndUpdate(ctx, directFilter(a, b), update, opts).Decode(&conv)
	if err != nil {
		err = translate(err)
		// Outside a transaction the losing upsert of a race sees the duplicate key; the winner's document is there to read.
		if errors.Is(err, repository.ErrDuplicate) && mongo.SessionFromContext(ctx) == nil {
			existing, findErr := r.FindDirect(ctx, a, b)
			return existing, false, findErr
		}
		return nil, false, err
	}
	return &conv, conv.ID == fresh.ID, nil
}

// ListForUser returns every conversation userID takes part in, most recently updated first
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"participantA": userID},
		bson.M{"participantB": userID},
		bson.M{"memberIds": userID},
	}}
	cur, err := r.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}))
	if err != nil {
		return nil, translate(err)
	}
	return decodeAll[domain.Conversation](ctx, cur)
}

func (r *ConversationRepository) AppendMessage(ctx context.Context, id, messageID string, at time.Time) error {
	return r.update(ctx, id, bson.M{
		"$push": bson.M{"messageIds": messageID},
		"$set":  bson.M{"updatedAt": at},
	})
}

func (r *ConversationRepository) AddMembers(ctx context.Context, id string, userIDs []string, guard repository.RoleGuard, at time.Time) error {
	return r.guardedUpdate(ctx, id, guard, nil, bson.M{
		"$addToSet": bson.M{"memberIds": bson.M{"$each": userIDs}},
		"$set":      bson.M{"updatedAt": at},
	})
}

func (r *ConversationRepository) RemoveMember(ctx context.Context, id, userID string, guard repository.RoleGuard, at time.Time) error {
	return r.guardedUpdate(ctx, id, guard, nil, bson.M{
		"$pull": bson.M{
			"memberIds":      userID,
			"deputyAdminIds": userID,
			"mutedMemberIds": userID,
		},
		"$set": bson.M{"updatedAt": at},
	})
}

func (r *ConversationRepository) SetDeputy(ctx context.Context, id, userID string, deputy bool, guard repository.RoleGuard, at time.Time) error {
	return r.guardedUpdate(ctx, id, guard, nil, toggle("deputyAdminIds", userID, deputy, at))
}

func (r *ConversationRepository) SetMuted(ctx context.Context, id, userID string, muted bool, guard repository.RoleGuard, at time.Time) error {
	state := bson.M{"mutedMemberIds": bson.M{"$ne": userID}}
	if !muted {
		state = bson.M{"mutedMemberIds": userID}
	}
	return r.guardedUpdate(ctx, id, guard, state, toggle("mutedMemberIds", userID, muted, at))
}

func (r *ConversationRepository) UpdateDetails(ctx context.Context, id string, name, profilePic *string, guard repository.RoleGuard, at time.Time) error {
	set := bson.M{"updatedAt": at}
	if name != nil {
		set["name"] = *name
	}
	if profilePic != nil {
		set["profilePic"] = *profilePic
	}
	return r.guardedUpdate(ctx, id, guard, nil, bson.M{"$set": set})
}

func (r *ConversationRepository) TransferOwner(ctx context.Context, id, newOwnerID string, guard repository.RoleGuard, at time.Time) error {
	return r.guardedUpdate(ctx, id, guard, nil, bson.M{
		"$set":  bson.M{"ownerId": newOwnerID, "updatedAt": at},
		"$pull": bson.M{"deputyAdminIds": newOwnerID, "mutedMemberIds": newOwnerID},
	})
}

func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return translate(err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *ConversationRepository) findOne(ctx context.Context, filter bson.M) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := r.coll.FindOne(ctx, filter).Decode(&conv); err != nil {
		return nil, translate(err)
	}
	return &conv, nil
}

func (r *ConversationRepository) update(ctx context.Context, id string, update bson.M) error {
	return matched(r.coll.UpdateOne(ctx, bson.M{"_id": id}, update))
}

// guardedUpdate applies update only while guard and the optional extra clause hold.
// A miss on an existing group is ErrConflict.
func (r *ConversationRepository) guardedUpdate(ctx context.Context, id string, guard repository.RoleGuard, extra bson.M, update bson.M) error {
	clauses := bson.A{bson.M{"_id": id, "isGroup": true}}
	if guard.ActorID != "" {
		clauses = append(clauses, roleFilter(guard.ActorID, guard.ActorRole))
	}
	if guard.TargetID != "" {
		clauses = append(clauses, roleFilter(guard.TargetID, guard.TargetRole))
	}
	if extra != nil {
		clauses = append(clauses, extra)
	}

	err := matched(r.coll.UpdateOne(ctx, bson.M{"$and": clauses}, update))
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	n, countErr := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if countErr != nil {
		return translate(countErr)
	}
	if n > 0 {
		return repository.ErrConflict
	}
	return repository.ErrNotFound
}

func directFilter(a, b string) bson.M {
	return bson.M{"pairKey": domain.PairKey(a, b), "isGroup": false}
}

// roleFilter matches a group in which userID currently holds role
func roleFilter(userID string, role domain.GroupRole) bson.M {
	switch role {
	case domain.RoleOwner:
		return bson.M{"ownerId": userID, "memberIds": userID}
	case domain.RoleDeputy:
		return bson.M{"memberIds": userID, "deputyAdminIds": userID, "ownerId": bson.M{"$ne": userID}}
	case domain.RoleMember:
		return bson.M{"memberIds": userID, "deputyAdminIds": bson.M{"$ne": userID}, "ownerId": bson.M{"$ne": userID}}
	default:
		return bson.M{"memberIds": bson.M{"$ne": userID}}
	}
}

func toggle(field, userID string, on bool, at time.Time) bson.M {
	op := "$pull"
	if on {
		op = "$addToSet"
	}
	return bson.M{
		op:     bson.M{field: userID},
		"$set": bson.M{"updatedAt": at},
	}
}
