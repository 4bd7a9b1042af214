package transactor

import (
	"errors"
	"fmt"
)

// ProtocolError reports a malformed or mis-sequenced request. Protocol
// errors are fatal to the offending call, carry no partial effect, and
// never alter destination state. They are never retried blindly; the
// caller must correct its request.
type ProtocolError struct {
	// Code identifies the violation category.
	Code ProtocolErrorCode

	// Message is a human-readable description.
	Message string
}

// ProtocolErrorCode categorizes protocol violations.
type ProtocolErrorCode string

const (
	// ErrCodeInvalidSlice indicates a slice whose bounds exceed its arena.
	ErrCodeInvalidSlice ProtocolErrorCode = "INVALID_SLICE"

	// ErrCodeMissingStart indicates a Continue with no preceding Start.
	ErrCodeMissingStart ProtocolErrorCode = "MISSING_START"

	// ErrCodeDuplicateStart indicates a Start received mid-stream.
	ErrCodeDuplicateStart ProtocolErrorCode = "DUPLICATE_START"

	// ErrCodeStreamClosed indicates a message for an already committed or
	// aborted stream.
	ErrCodeStreamClosed ProtocolErrorCode = "STREAM_CLOSED"

	// ErrCodeFieldMismatch indicates a field selection not matching the
	// destination shape established by a prior apply.
	ErrCodeFieldMismatch ProtocolErrorCode = "FIELD_MISMATCH"

	// ErrCodeFenceRequired indicates a Store on a session that never
	// fenced, against a destination that supports exactly-once.
	ErrCodeFenceRequired ProtocolErrorCode = "FENCE_REQUIRED"

	// ErrCodeCountMismatch indicates parallel per-document lists of
	// differing lengths in one chunk.
	ErrCodeCountMismatch ProtocolErrorCode = "COUNT_MISMATCH"
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsProtocolError reports whether err is a protocol violation.
// Uses errors.As to handle wrapped errors.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// NewProtocolError creates a ProtocolError with a formatted message.
func NewProtocolError(code ProtocolErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}
