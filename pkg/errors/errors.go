// Package errors defines the protocol error taxonomy shared by the gateway
// and participant runtimes. Every code maps one-to-one onto the code field of
// a system/error envelope.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes
const (
	// ErrProtocolMismatch is returned when an envelope declares an unsupported protocol version
	ErrProtocolMismatch = "protocol_mismatch"

	// ErrMalformedEnvelope is returned when an envelope fails to decode or validate
	ErrMalformedEnvelope = "malformed_envelope"

	// ErrAuthFailed is returned when a token cannot be resolved to a participant identity
	ErrAuthFailed = "auth_failed"

	// ErrConflict is returned when a participant id is already connected to the space
	ErrConflict = "conflict"

	// ErrCapabilityViolation is returned when a sender lacks the capability for an envelope
	ErrCapabilityViolation = "capability_violation"

	// ErrUnknownRecipient is returned when an addressed recipient is not in the space
	ErrUnknownRecipient = "unknown_recipient"

	// ErrBackpressure is returned when a recipient's send queue stayed full
	ErrBackpressure = "backpressure"

	// ErrRateLimited is returned when a sender exceeds its ingress budget
	ErrRateLimited = "rate_limited"

	// ErrIdleTimeout is returned when a stream or connection is reaped for inactivity
	ErrIdleTimeout = "idle_timeout"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents a protocol-level error
type Error struct {
	// Code is the protocol error code
	Code string

	// Message is the error message
	Message string

	// Detail carries optional structured context (offending envelope id, kind, ...)
	Detail map[string]any

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Payload renders the error as a system/error payload body.
func (e *Error) Payload() map[string]any {
	p := map[string]any{
		"code":    e.Code,
		"message": e.Message,
	}
	if len(e.Detail) > 0 {
		p["detail"] = e.Detail
	}
	return p
}

// WithDetail returns the error with an extra detail field attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// NewError creates a new error
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewProtocolMismatchError creates a new protocol mismatch error
func NewProtocolMismatchError(message string, cause error) *Error {
	return NewError(ErrProtocolMismatch, message, cause)
}

// NewMalformedEnvelopeError creates a new malformed envelope error
func NewMalformedEnvelopeError(message string, cause error) *Error {
	return NewError(ErrMalformedEnvelope, message, cause)
}

// NewAuthFailedError creates a new auth failed error
func NewAuthFailedError(message string, cause error) *Error {
	return NewError(ErrAuthFailed, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewCapabilityViolationError creates a new capability violation error
func NewCapabilityViolationError(message string, cause error) *Error {
	return NewError(ErrCapabilityViolation, message, cause)
}

// NewUnknownRecipientError creates a new unknown recipient error
func NewUnknownRecipientError(message string, cause error) *Error {
	return NewError(ErrUnknownRecipient, message, cause)
}

// NewBackpressureError creates a new backpressure error
func NewBackpressureError(message string, cause error) *Error {
	return NewError(ErrBackpressure, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewIdleTimeoutError creates a new idle timeout error
func NewIdleTimeoutError(message string, cause error) *Error {
	return NewError(ErrIdleTimeout, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// As unwraps err looking for a protocol *Error.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsProtocolMismatch checks if the error is a protocol mismatch error
func IsProtocolMismatch(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrProtocolMismatch
}

// IsMalformedEnvelope checks if the error is a malformed envelope error
func IsMalformedEnvelope(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrMalformedEnvelope
}

// IsAuthFailed checks if the error is an auth failed error
func IsAuthFailed(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrAuthFailed
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrConflict
}

// IsCapabilityViolation checks if the error is a capability violation error
func IsCapabilityViolation(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrCapabilityViolation
}

// IsUnknownRecipient checks if the error is an unknown recipient error
func IsUnknownRecipient(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrUnknownRecipient
}

// IsBackpressure checks if the error is a backpressure error
func IsBackpressure(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrBackpressure
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrRateLimited
}

// IsIdleTimeout checks if the error is an idle timeout error
func IsIdleTimeout(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrIdleTimeout
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	e, ok := As(err)
	return ok && e.Code == ErrInternal
}
