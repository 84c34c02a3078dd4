package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrNonceReplay          = errors.New("nonce missing, expired or already used")
	ErrInvalidTokenPayload  = errors.New("invalid token payload")
	ErrSessionNotFound      = errors.New("session not found")
	ErrTokenMismatch        = errors.New("refresh token does not match session")
	ErrUserNotFound         = errors.New("user not found")
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// ValidationError describes a malformed request. Details are safe to echo to the client.
type ValidationError struct {
	Message string
	Details map[string]string
}

// NewValidationError builds a ValidationError with optional field details.
func NewValidationError(msg string, details map[string]string) *ValidationError {
	return &ValidationError{Message: msg, Details: details}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for field, msg := range e.Details {
		parts = append(parts, field+" "+msg)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s: %s (%s)", ErrValidation, e.Message, strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// IsAuthFailure reports whether err is one of the authentication kinds that
// surface to clients as an undifferentiated 401.
func IsAuthFailure(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrNonceReplay),
		errors.Is(err, ErrInvalidTokenPayload),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrTokenMismatch),
		errors.Is(err, ErrUserNotFound):
		return true
	}
	return false
}

// ErrorKind returns a short stable label for err, used for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrNonceReplay):
		return "nonce_replay"
	case errors.Is(err, ErrInvalidTokenPayload):
		return "invalid_token"
	case errors.Is(err, ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrTokenMismatch):
		return "token_mismatch"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	default:
		return "internal"
	}
}
