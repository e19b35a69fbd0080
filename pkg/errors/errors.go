package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeTransportCreateFailed ErrorCode = "TRANSPORT_CREATE_FAILED"
	ErrCodeOfferCreateFailed     ErrorCode = "OFFER_CREATE_FAILED"
	ErrCodeAnswerCreateFailed    ErrorCode = "ANSWER_CREATE_FAILED"
	ErrCodeNoSuchConnection      ErrorCode = "NO_SUCH_CONNECTION"
	ErrCodeChannelNotFound       ErrorCode = "CHANNEL_NOT_FOUND"
	ErrCodeChannelNotOpen        ErrorCode = "CHANNEL_NOT_OPEN"
	ErrCodeConnectionTimeout     ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionFailed      ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionRejected    ErrorCode = "CONNECTION_REJECTED"
	ErrCodeConnectionInitFailed  ErrorCode = "CONNECTION_INIT_FAILED"
	ErrCodeRequestTimeout        ErrorCode = "REQUEST_TIMEOUT"
	ErrCodeConnectionNotFound    ErrorCode = "CONNECTION_NOT_FOUND"
	ErrCodeConnectionNotReady    ErrorCode = "CONNECTION_NOT_READY"
	ErrCodeDiscoveryFailed       ErrorCode = "DISCOVERY_FAILED"
	ErrCodeBandwidthMeasurement  ErrorCode = "BANDWIDTH_MEASUREMENT_FAILED"
	ErrCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidInput          ErrorCode = "INVALID_INPUT"
	ErrCodeInternal              ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewTransportCreateFailed(cause error) *AppError {
	return WrapError(cause, ErrCodeTransportCreateFailed, "failed to create peer transport", http.StatusBadGateway)
}

func NewOfferCreateFailed(cause error) *AppError {
	return WrapError(cause, ErrCodeOfferCreateFailed, "failed to create offer", http.StatusBadGateway)
}

func NewAnswerCreateFailed(cause error) *AppError {
	return WrapError(cause, ErrCodeAnswerCreateFailed, "failed to create answer", http.StatusBadGateway)
}

func NewNoSuchConnection(connectionID string) *AppError {
	return NewAppError(ErrCodeNoSuchConnection, fmt.Sprintf("connection %s not found", connectionID), http.StatusNotFound)
}

func NewChannelNotFound(channelID string) *AppError {
	return NewAppError(ErrCodeChannelNotFound, fmt.Sprintf("channel %s not found", channelID), http.StatusNotFound)
}

func NewChannelNotOpen(channelID string) *AppError {
	return NewAppError(ErrCodeChannelNotOpen, fmt.Sprintf("channel %s is not open", channelID), http.StatusConflict)
}

func NewConnectionTimeout(message string) *AppError {
	return NewAppError(ErrCodeConnectionTimeout, message, http.StatusGatewayTimeout)
}

func NewConnectionFailed(cause error) *AppError {
	return WrapError(cause, ErrCodeConnectionFailed, "signaling connection failed", http.StatusBadGateway)
}

func NewConnectionRejected(reason string) *AppError {
	return NewAppError(ErrCodeConnectionRejected, reason, http.StatusForbidden)
}

func NewConnectionInitFailed(cause error) *AppError {
	return WrapError(cause, ErrCodeConnectionInitFailed, "failed to initiate connection", http.StatusBadGateway)
}

func NewRequestTimeout(requestID string) *AppError {
	return NewAppError(ErrCodeRequestTimeout, fmt.Sprintf("request %s timed out", requestID), http.StatusGatewayTimeout)
}

func NewConnectionNotFound(deviceID string) *AppError {
	return NewAppError(ErrCodeConnectionNotFound, fmt.Sprintf("no connection to device %s", deviceID), http.StatusNotFound)
}

func NewConnectionNotReady(deviceID string) *AppError {
	return NewAppError(ErrCodeConnectionNotReady, fmt.Sprintf("connection to device %s is not ready", deviceID), http.StatusConflict)
}

func NewUnauthorizedError(message string) *AppError {
	return NewAppError(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// HasCode reports whether err carries the given application error code.
func HasCode(err error, code ErrorCode) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}
