// Package domain provides canonical error types for the gateway.
package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind represents the category of a gateway error.
type ErrorKind string

const (
	// KindInvalidRequest indicates a malformed or invalid client request.
	// No backend call is made for these.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindBackendUnavailable indicates a transport failure talking to the
	// backend, or a non-success status returned by it.
	KindBackendUnavailable ErrorKind = "backend_unavailable"

	// KindBackendProtocol indicates a malformed or unexpected backend payload.
	KindBackendProtocol ErrorKind = "backend_protocol"

	// KindServer indicates an internal gateway failure.
	KindServer ErrorKind = "server"
)

// APIError is the canonical error returned across package boundaries and
// rendered to clients by the frontdoor.
type APIError struct {
	// Kind is the category of error
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// StatusCode overrides the default HTTP status for Kind when non-zero.
	StatusCode int `json:"-"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindBackendUnavailable, KindBackendProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(kind ErrorKind, message string) *APIError {
	return &APIError{
		Kind:    kind,
		Message: message,
	}
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithCause records the underlying error.
func (e *APIError) WithCause(err error) *APIError {
	e.Err = err
	return e
}

// Convenience constructors for common errors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(KindInvalidRequest, message)
}

// ErrBackendUnavailable creates a backend transport/status error.
func ErrBackendUnavailable(message string) *APIError {
	return NewAPIError(KindBackendUnavailable, message)
}

// ErrBackendProtocol creates a backend payload error.
func ErrBackendProtocol(message string) *APIError {
	return NewAPIError(KindBackendProtocol, message)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(KindServer, message)
}

// ToAPIError converts any error to an *APIError.
// If the error already wraps an APIError, it is returned directly.
// Context cancellation becomes a backend-unavailable error so that callers
// never see a bare context error at the HTTP boundary.
func ToAPIError(err error) *APIError {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrBackendUnavailable(err.Error()).WithCause(err)
	}
	return ErrServer(err.Error()).WithCause(err)
}

// IsKind reports whether err carries an APIError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}
