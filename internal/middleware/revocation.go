package middleware

import (
	"context"
	"fmt"

	"chatcore-backend/internal/database"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/jwt"
)

// RedisRevocationChecker implements RevocationChecker against the blacklist:<jti> keys
// written by the auth subsystem on logout
type RedisRevocationChecker struct {
	client *database.RedisClient
}

// NewRedisRevocationChecker creates a new RedisRevocationChecker
func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

// IsTokenRevoked checks if the token id is in the Redis blacklist
func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, claims *jwt.Claims) (bool, error) {
	if claims.ID == "" {
		return false, nil
	}

	exists, err := c.client.SafeExists(ctx, constants.TokenBlacklistPref+claims.ID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check blacklist in redis: %w", err)
	}

	return exists > 0, nil
}
