package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authorization errors
	ErrCodeAuthorization ErrorCode = "AUTHORIZATION_ERROR"

	// Call lifecycle errors
	ErrCodeInvalidState   ErrorCode = "INVALID_STATE"
	ErrCodeCallNotFound   ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallInProgress ErrorCode = "CALL_IN_PROGRESS"

	// Media and transport errors
	ErrCodeMediaAccess      ErrorCode = "MEDIA_ACCESS_ERROR"
	ErrCodeTransportFailure ErrorCode = "TRANSPORT_FAILURE"

	// Encryption errors
	ErrCodeEncryptionKeyMissing ErrorCode = "ENCRYPTION_KEY_MISSING"
	ErrCodeDecryptionFailed     ErrorCode = "DECRYPTION_FAILED"

	// Signaling errors
	ErrCodeSignalingTransport ErrorCode = "SIGNALING_TRANSPORT_ERROR"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
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

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// HasCode reports whether err (or anything it wraps) is an AppError with the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Validation errors
func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// AuthorizationError indicates the acting identity does not match the
// caller/recipient recorded for the requested transition
func AuthorizationError(message string) *AppError {
	return NewWithStatus(ErrCodeAuthorization, message, http.StatusForbidden)
}

// InvalidStateError indicates a transition attempted from a status that does
// not permit it (e.g. accepting a call that is no longer ringing)
func InvalidStateError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidState, message, http.StatusConflict)
}

// CallInProgressError indicates an outbound call was attempted while another
// call occupies the agent
func CallInProgressError() *AppError {
	return NewWithStatus(ErrCodeCallInProgress, "Another call is already in progress", http.StatusConflict)
}

// CallNotFoundError indicates the referenced call does not exist in the relay store
func CallNotFoundError(callID string) *AppError {
	return NewWithStatus(ErrCodeCallNotFound, fmt.Sprintf("Call not found: %s", callID), http.StatusNotFound)
}

// MediaAccessError indicates local microphone/camera acquisition failed
func MediaAccessError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaAccess, "Could not access camera/microphone", http.StatusServiceUnavailable, err)
}

// EncryptionKeyMissingError indicates no session key is cached for the call
func EncryptionKeyMissingError(callID string) *AppError {
	return NewWithStatus(ErrCodeEncryptionKeyMissing, fmt.Sprintf("No session key cached for call %s", callID), http.StatusConflict)
}

// TransportFailureError indicates the peer connection failed and reconnection
// attempts are exhausted
func TransportFailureError(remoteUserID string) *AppError {
	return New(ErrCodeTransportFailure, fmt.Sprintf("Transport to %s failed after exhausting reconnection attempts", remoteUserID))
}

// SignalingTransportError indicates an underlying relay store operation failed
func SignalingTransportError(op string, err error) *AppError {
	return Wrap(ErrCodeSignalingTransport, fmt.Sprintf("Signaling operation failed: %s", op), err)
}

// InternalError creates a generic internal error
func InternalError(message string, err error) *AppError {
	return Wrap(ErrCodeInternal, message, err)
}
