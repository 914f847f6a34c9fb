// Package service holds helpers shared by the domain services.
package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chatcore-backend/internal/repository"
	apperrors "chatcore-backend/pkg/errors"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

// StoreError logs a persistence failure and converts it into the error surfaced to clients.
// Application errors pass through untouched.
func StoreError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
	logger.FromContext(ctx).Error("Store operation failed", zap.String("operation", op), zap.Error(err))
	return apperrors.StoreFailure(err)
}

// Lookup maps a missing document to NotFound(resource) and any other failure to StoreError
func Lookup(ctx context.Context, op, resource string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFoundError(resource)
	}
	return StoreError(ctx, op, err)
}
