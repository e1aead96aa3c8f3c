package errors

import (
	"errors"
	"fmt"
)

// Realtime errors. None of these are fatal to the host: callers degrade to
// on-demand fetching when they see them.
var (
	// Configuration
	ErrRealtimeDisabled = errors.New("realtime is disabled")
	ErrMissingAppKey    = errors.New("broker app key is not configured")
	ErrUnknownTransport = errors.New("unknown broker transport")
	ErrInvalidEndpoint  = errors.New("invalid broker endpoint")

	// Connection
	ErrNotConnected      = errors.New("broker connection is not established")
	ErrConnectionClosed  = errors.New("broker connection closed")
	ErrHandshakeFailed   = errors.New("broker handshake failed")
	ErrChannelAuth       = errors.New("channel authorization failed")
	ErrSubscriptionLimit = errors.New("channel subscription rejected")

	// Viewer
	ErrUnknownRole = errors.New("role has no realtime channels")

	// Authentication & Authorization
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("action forbidden")

	// Generic
	ErrNotFound    = errors.New("resource not found")
	ErrInternal    = errors.New("internal server error")
	ErrBadRequest  = errors.New("bad request")
	ErrRateLimited = errors.New("rate limit exceeded")
)

// AppError wraps errors with additional context for HTTP responses
type AppError struct {
	Err        error  // The underlying error
	Message    string // User-friendly message
	Code       string // Machine-readable error code
	StatusCode int    // HTTP status code
	Details    map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewBadRequestError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "BAD_REQUEST",
		StatusCode: 400,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Err:        ErrUnauthorized,
		Message:    message,
		Code:       "UNAUTHORIZED",
		StatusCode: 401,
	}
}

func NewForbiddenError(message string) *AppError {
	return &AppError{
		Err:        ErrForbidden,
		Message:    message,
		Code:       "FORBIDDEN",
		StatusCode: 403,
	}
}

func NewServiceUnavailableError(err error, message string) *AppError {
	return &AppError{
		Err:        err,
		Message:    message,
		Code:       "SERVICE_UNAVAILABLE",
		StatusCode: 503,
	}
}

func NewRateLimitError() *AppError {
	return &AppError{
		Err:        ErrRateLimited,
		Message:    "Too many requests. Please try again later.",
		Code:       "RATE_LIMITED",
		StatusCode: 429,
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Err:        err,
		Message:    "An unexpected error occurred",
		Code:       "INTERNAL_ERROR",
		StatusCode: 500,
	}
}

// ValidationErrors holds multiple field validation errors
type ValidationErrors struct {
	Errors map[string][]string `json:"errors"`
}

func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make(map[string][]string),
	}
}

func (v *ValidationErrors) Add(field, message string) {
	v.Errors[field] = append(v.Errors[field], message)
}

func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

func (v *ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %d field(s) have errors", len(v.Errors))
}

// BrokerError describes a pusher:error frame sent by the broker.
type BrokerError struct {
	Code    int
	Message string
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error %d: %s", e.Code, e.Message)
}

// Reconnectable reports whether the broker invites the client to reconnect.
// Codes 4000-4099 mean "do not reconnect unchanged"; 4200-4299 mean
// "reconnect immediately".
func (e *BrokerError) Reconnectable() bool {
	return e.Code < 4000 || e.Code >= 4100
}
