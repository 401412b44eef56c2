package engine

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeUnknownIdentity indicates a wake-up or query for an identity
	// that is not in the registry.
	ErrCodeUnknownIdentity ErrorCode = "UNKNOWN_IDENTITY"

	// ErrCodeStaleWake indicates a wake-up for a record that no longer
	// needs one.
	ErrCodeStaleWake ErrorCode = "STALE_WAKE"

	// ErrCodePersistFailed indicates a write to the key-value substrate failed.
	ErrCodePersistFailed ErrorCode = "PERSIST_FAILED"

	// ErrCodeEnqueueFailed indicates an event could not be appended to the queue.
	ErrCodeEnqueueFailed ErrorCode = "ENQUEUE_FAILED"

	// ErrCodeBadPersistedState indicates persisted encounter state had an
	// unexpected shape and was ignored.
	ErrCodeBadPersistedState ErrorCode = "BAD_PERSISTED_STATE"
)

// Error is an engine failure with a code and the affected identity.
//
// Callbacks never return these; they are logged and counted. Operations
// that can fail (SetFriendList, SetTimeouts, Restore) return them.
type Error struct {
	Code    ErrorCode
	Message string
	Key     string // "major-minor", empty when not identity-specific
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Key != "" {
		msg += fmt.Sprintf(" (beacon=%s)", e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, key, message string, err error) *Error {
	return &Error{Code: code, Message: message, Key: key, Err: err}
}

// HasCode reports whether err is an *Error with the given code.
// Uses errors.As to handle wrapped errors.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsPersistError returns true if err is a persistence failure.
func IsPersistError(err error) bool {
	return HasCode(err, ErrCodePersistFailed)
}

// IsUnknownIdentity returns true if err reports an unknown identity.
func IsUnknownIdentity(err error) bool {
	return HasCode(err, ErrCodeUnknownIdentity)
}
