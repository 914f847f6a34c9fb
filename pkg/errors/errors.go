package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidSize   ErrorCode = "INVALID_SIZE"
	ErrCodeInvalidTarget ErrorCode = "INVALID_TARGET"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Authorization errors
	ErrCodeForbidden         ErrorCode = "FORBIDDEN"
	ErrCodeOwnerMustTransfer ErrorCode = "OWNER_MUST_TRANSFER"

	// Not found errors
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Idempotency guards
	ErrCodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	ErrCodeNoOp           ErrorCode = "NO_OP"
	ErrCodeAlreadyDeleted ErrorCode = "ALREADY_DELETED"

	// Call errors
	ErrCodeReceiverOffline ErrorCode = "RECEIVER_OFFLINE"

	// Rate limiting errors
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"
)

// AppError represents a structured application error with a code and a client-safe message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Internal reports whether the error must be hidden from clients
func (e *AppError) Internal() bool {
	return e.Code == ErrCodeStoreFailure || e.Code == ErrCodeInternal
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidSizeError(message string) *AppError {
	return New(ErrCodeInvalidSize, message)
}

func InvalidTargetError(message string) *AppError {
	return New(ErrCodeInvalidTarget, message)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

// Authorization errors
func ForbiddenError(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func OwnerMustTransferError() *AppError {
	return New(ErrCodeOwnerMustTransfer, "Group owner must transfer ownership before leaving")
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

// Idempotency errors
func AlreadyExistsError(message string) *AppError {
	return New(ErrCodeAlreadyExists, message)
}

func NoOpError(message string) *AppError {
	return New(ErrCodeNoOp, message)
}

func AlreadyDeletedError() *AppError {
	return New(ErrCodeAlreadyDeleted, "Message has already been deleted")
}

// Call errors
func ReceiverOfflineError() *AppError {
	return New(ErrCodeReceiverOffline, "Receiver is offline")
}

// Rate limiting errors
func RateLimitExceededError() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

// Internal errors
func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// StoreFailure wraps a persistence error. The cause is kept for logging only.
func StoreFailure(err error) *AppError {
	return Wrap(ErrCodeStoreFailure, "Something went wrong, please try again", err)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrCodeInternal, "Something went wrong, please try again", err)
}

// HasCode reports whether err is an AppError carrying code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}
