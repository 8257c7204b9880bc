package chatsync

import (
	"errors"
	"fmt"
)

// ErrorCode represents a categorized error type.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota

	// Connection-level errors, surfaced through the status callback.
	ErrorTransport
	ErrorNotConnected
	ErrorTimeout

	// Contained errors, converted into best-effort behavior.
	ErrorFetch
	ErrorMalformedPayload
	ErrorUnresolvableDialog

	// Client-side errors.
	ErrorSerialization
	ErrorSubscription
	ErrorInvalidConfig

	// Errors reported by the server over the wire.
	ErrorProtocol
)

// String returns the string representation of an ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrorUnknown:
		return "unknown"
	case ErrorTransport:
		return "transport_error"
	case ErrorNotConnected:
		return "not_connected"
	case ErrorTimeout:
		return "timeout"
	case ErrorFetch:
		return "fetch_error"
	case ErrorMalformedPayload:
		return "malformed_payload"
	case ErrorUnresolvableDialog:
		return "unresolvable_dialog"
	case ErrorSerialization:
		return "serialization_error"
	case ErrorSubscription:
		return "subscription_error"
	case ErrorInvalidConfig:
		return "invalid_config"
	case ErrorProtocol:
		return "protocol_error"
	default:
		return fmt.Sprintf("unknown_code_%d", e)
	}
}

// SyncError is a structured error with code and context.
type SyncError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s (wrapped: %v)", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for errors.Unwrap support.
func (e *SyncError) Unwrap() error {
	return e.Wrapped
}

// Is implements errors.Is comparison by code.
func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new SyncError with the given code and message.
func NewError(code ErrorCode, message string) *SyncError {
	return &SyncError{Code: code, Message: message}
}

// WrapError wraps an existing error with a SyncError.
func WrapError(code ErrorCode, message string, err error) *SyncError {
	return &SyncError{Code: code, Message: message, Wrapped: err}
}

// IsConnectionError reports whether an error is connection-related. These are
// the only failures surfaced to the user, as a status indicator.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == ErrorTransport || se.Code == ErrorNotConnected || se.Code == ErrorTimeout
}

// IsContainedError reports whether an error is absorbed by the sync engine
// and degraded to best-effort ordering rather than propagated.
func IsContainedError(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == ErrorFetch || se.Code == ErrorMalformedPayload || se.Code == ErrorUnresolvableDialog
}
