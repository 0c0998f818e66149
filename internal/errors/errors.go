// Package errors provides error code definitions for the Sphere sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced across the engine API.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	ErrDatabase           ErrorCode = "DATABASE_ERROR"
	ErrMigration          ErrorCode = "MIGRATION_FAILED"
	ErrUsageUnavailable   ErrorCode = "USAGE_UNAVAILABLE"
	ErrUnknownCollection  ErrorCode = "UNKNOWN_COLLECTION"
	ErrUnknownIndex       ErrorCode = "UNKNOWN_INDEX"

	// Sync queue errors
	ErrSyncItemFailed     ErrorCode = "SYNC_ITEM_FAILED"
	ErrUnknownQueueTarget ErrorCode = "UNKNOWN_QUEUE_TARGET"

	// Conflict errors
	ErrConflictDetected   ErrorCode = "SYNC_CONFLICT"
	ErrResolutionNotFound ErrorCode = "RESOLUTION_NOT_FOUND"
	ErrResolutionFailed   ErrorCode = "RESOLUTION_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for stderrors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
		appErr = nil
	}
	return false
}

// GetCode returns the error code of the outermost AppError, or ErrInternal
// for errors that did not originate in this codebase.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
