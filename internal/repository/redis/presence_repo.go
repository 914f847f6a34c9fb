package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"chatcore-backend/internal/database"
	"chatcore-backend/pkg/constants"
)

// PresenceRepository mirrors user presence in Redis so every instance can answer IsOnline.
//
// presence:<userId> is a hash of instanceId -> last heartbeat (unix seconds) with a TTL
// refreshed by heartbeats; presence:online is the set of user ids that have such a hash.
type PresenceRepository struct {
	client     *database.RedisClient
	instanceID string
	ttl        time.Duration
}

// NewPresenceRepository creates a new PresenceRepository for this instance
func NewPresenceRepository(client *database.RedisClient, instanceID string) *PresenceRepository {
	return &PresenceRepository{
		client:     client,
		instanceID: instanceID,
		ttl:        constants.PresenceTTL,
	}
}

func presenceKey(userID string) string {
	return constants.PresenceKeyPrefix + userID
}

// SetUserOnline records that this instance holds a connection for userID
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID string) error {
	key := presenceKey(userID)
	now := strconv.FormatInt(time.Now().Unix(), 10)

	if err := r.client.SafeHSet(ctx, key, r.instanceID, now).Err(); err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	if err := r.client.SafeExpire(ctx, key, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set presence ttl: %w", err)
	}
	if err := r.client.SafeSAdd(ctx, constants.PresenceOnlineSet, userID).Err(); err != nil {
		return fmt.Errorf("failed to add to online set: %w", err)
	}
	return nil
}

// SetUserOffline drops this instance's entry; the user stays online while another instance holds one
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID string) error {
	key := presenceKey(userID)

	if err := r.client.SafeHDel(ctx, key, r.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	remaining, err := r.client.SafeExists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check presence: %w", err)
	}
	if remaining == 0 {
		if err := r.client.SafeSRem(ctx, constants.PresenceOnlineSet, userID).Err(); err != nil {
			return fmt.Errorf("failed to remove from online set: %w", err)
		}
	}
	return nil
}

// IsUserOnline checks if any instance holds a connection for userID
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	exists, err := r.client.SafeExists(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return exists > 0, nil
}

// RefreshPresence renews the entries of every user connected to this instance in one round trip
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userIDs []string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	_, err := r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range userIDs {
			key := presenceKey(id)
			pipe.HSet(ctx, key, r.instanceID, now)
			pipe.Expire(ctx, key, r.ttl)
			pipe.SAdd(ctx, constants.PresenceOnlineSet, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineUsers lists users online on any instance. Members whose hash expired
// (their instance stopped heartbeating) are pruned from the set.
func (r *PresenceRepository) GetOnlineUsers(ctx context.Context) ([]string, error) {
	members, err := r.client.SafeSMembers(ctx, constants.PresenceOnlineSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get online users: %w", err)
	}
	if len(members) == 0 {
		return members, nil
	}

	checks := make([]*goredis.IntCmd, len(members))
	_, err = r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range members {
			checks[i] = pipe.Exists(ctx, presenceKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check online users: %w", err)
	}

	online := make([]string, 0, len(members))
	var stale []interface{}
	for i, id := range members {
		if checks[i].Val() > 0 {
			online = append(online, id)
		} else {
			stale = append(stale, id)
		}
	}
	if len(stale) > 0 {
		_ = r.client.SafeSRem(ctx, constants.PresenceOnlineSet, stale...).Err()
	}
	return online, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
