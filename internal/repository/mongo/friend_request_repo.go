package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/repository"
)

// FriendRequestRepository handles friend request documents. The unique pairKey index
// keeps one request per unordered pair.
type FriendRequestRepository struct {
	coll *mongo.Collection
}

func NewFriendRequestRepository(coll *mongo.Collection) *FriendRequestRepository {
	return &FriendRequestRepository{coll: coll}
}

func (r *FriendRequestRepository) Create(ctx context.Context, req *domain.FriendRequest) error {
	_, err := r.coll.InsertOne(ctx, req)
	return translate(err)
}

func (r *FriendRequestRepository) GetByID(ctx context.Context, id string) (*domain.FriendRequest, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *FriendRequestRepository) FindByPair(ctx context.Context, a, b string) (*domain.FriendRequest, error) {
	return r.findOne(ctx, bson.M{"pairKey": domain.PairKey(a, b)})
}

func (r *FriendRequestRepository) Accept(ctx context.Context, id string, at time.Time) error {
	filter := bson.M{"_id": id, "status": domain.FriendPending}
	return matched(r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		"status":    domain.FriendAccepted,
		"updatedAt": at,
	}}))
}

func (r *FriendRequestRepository) Delete(ctx context.Context, id string, status domain.FriendRequestStatus) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id, "status": status})
	if err != nil {
		return translate(err)
	}
	if res.DeletedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *FriendRequestRepository) findOne(ctx context.Context, filter bson.M) (*domain.FriendRequest, error) {
	var req domain.FriendRequest
	if err := r.coll.FindOne(ctx, filter).Decode(&req); err != nil {
		return nil, translate(err)
	}
	return &req, nil
}
