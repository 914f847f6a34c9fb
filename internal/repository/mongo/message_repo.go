package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"chatcore-backend/internal/domain"
)

// MessageRepository handles message documents
type MessageRepository struct {
	coll *mongo.Collection
}

// NewMessageRepository creates a new message repository
func NewMessageRepository(coll *mongo.Collection) *MessageRepository {
	return &MessageRepository{coll: coll}
}

func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) error {
	if msg.Attachments == nil {
		msg.Attachments = []domain.Attachment{}
	}
	_, err := r.coll.InsertOne(ctx, msg)
	return translate(err)
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var msg domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg); err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

// GetByIDs returns the messages in the order of ids, skipping missing ones
func (r *MessageRepository) GetByIDs(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return []*domain.Message{}, nil
	}
	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, translate(err)
	}
	found, err := decodeAll[domain.Message](ctx, cur)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*domain.Message, len(found))
	for _, m := range found {
		byID[m.ID] = m
	}
	out := make([]*domain.Message, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func liveNormal(id string) bson.M {
	return bson.M{"_id": id, "isDeleted": false, "kind": domain.KindNormal}
}

// Edit uses a pipeline update so the original text is captured from the stored document on the first edit only
func (r *MessageRepository) Edit(ctx context.Context, id, text string, at time.Time) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "originalText", Value: bson.M{"$cond": bson.A{"$isEdited", "$originalText", "$text"}}},
			{Key: "text", Value: bson.M{"$literal": text}},
			{Key: "isEdited", Value: true},
			{Key: "updatedAt", Value: at},
		}}},
	}
	return matched(r.coll.UpdateOne(ctx, liveNormal(id), pipeline))
}

func (r *MessageRepository) SoftDelete(ctx context.Context, id, tombstone string, at time.Time) error {
	return matched(r.coll.UpdateOne(ctx, liveNormal(id), bson.M{"$set": bson.M{
		"text":        tombstone,
		"attachments": bson.A{},
		"isDeleted":   true,
		"updatedAt":   at,
	}}))
}

// UpdateCall is conditional on the current status, which serializes competing transitions
func (r *MessageRepository) UpdateCall(ctx context.Context, id string, from []domain.CallStatus, status domain.CallStatus, durationSeconds int, at time.Time) error {
	filter := bson.M{"_id": id, "call.status": bson.M{"$in": from}}
	return matched(r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"call.status":          status,
		"call.durationSeconds": durationSeconds,
		"updatedAt":            at,
	}}))
}

func (r *MessageRepository) MarkSeenDirect(ctx context.Context, ids []string, viewerID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "senderId": bson.M{"$ne": viewerID}, "seen": false}
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"seen": true}})
	if err != nil {
		return 0, translate(err)
	}
	return res.ModifiedCount, nil
}

func (r *MessageRepository) MarkSeenGroup(ctx context.Context, ids []string, viewerID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "senderId": bson.M{"$ne": viewerID}, "seenBy": bson.M{"$ne": viewerID}}
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$addToSet": bson.M{"seenBy": viewerID}})
	if err != nil {
		return 0, translate(err)
	}
	return res.ModifiedCount, nil
}

func (r *MessageRepository) CountUnseen(ctx context.Context, ids []string, userID string, isGroup bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{"_id": bson.M{"$in": ids}, "senderId": bson.M{"$ne": userID}}
	if isGroup {
		filter["seenBy"] = bson.M{"$ne": userID}
	} else {
		filter["seen"] = false
	}
	n, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, translate(err)
	}
	return int(n), nil
}

func (r *MessageRepository) DeleteByConversation(ctx context.Context, conversationID string) error {
	_, err := r.coll.DeleteMany(ctx, bson.M{"conversationId": conversationID})
	return translate(err)
}
