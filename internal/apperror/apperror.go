// Package apperror defines the error taxonomy shared by every layer of the
// Kittygram API.
//
// Services return *AppError values that wrap one of the sentinel errors
// below. Callers test the category with errors.Is and read the
// human-readable message with errors.As. Only the HTTP layer knows how a
// category maps to a status code.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("Validation Error")
	ErrConflict           = errors.New("conflict")

	// ErrStorage marks a transient failure of the record store or the blob
	// store. The operation left no partial state behind and may be retried.
	ErrStorage = errors.New("storage unavailable")
)

// Reason refines a validation failure so clients can tell an oversized
// upload from a rejected format without parsing the message.
type Reason string

const (
	ReasonTooLarge          Reason = "too_large"
	ReasonUnsupportedFormat Reason = "unsupported_format"
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Reason  Reason // Optional: validation sub-kind
	Cause   error  // Optional: underlying driver/SDK error, never shown to clients
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// TooLarge reports a payload above the configured limit.
func TooLarge(limit int64) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: fmt.Sprintf("payload exceeds the maximum size of %d bytes", limit),
		Field:   "image",
		Reason:  ReasonTooLarge,
	}
}

// UnsupportedFormat reports a payload whose bytes are not an allowed image.
func UnsupportedFormat(detected string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: fmt.Sprintf("unsupported image format %q", detected),
		Field:   "image",
		Reason:  ReasonUnsupportedFormat,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// InvalidCredentials is returned by login and password change. The message
// is deliberately the same for an unknown login and a wrong password.
func InvalidCredentials() *AppError {
	return &AppError{
		Err:     ErrInvalidCredentials,
		Message: "unable to log in with provided credentials",
	}
}

// Unauthenticated is the single error for a missing, malformed, expired,
// forged or revoked token.
func Unauthenticated() *AppError {
	return &AppError{
		Err:     ErrUnauthenticated,
		Message: "valid authentication required",
	}
}

// Storage wraps a transient backend failure. cause is kept for logs.
func Storage(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStorage,
		Message: fmt.Sprintf("%s: storage temporarily unavailable", op),
		Cause:   cause,
	}
}

// Retryable reports whether err belongs to a category the caller may retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrConflict)
}

// ReasonOf returns the validation reason carried by err, if any.
func ReasonOf(err error) Reason {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
