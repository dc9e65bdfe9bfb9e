package elevenlabs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the elevenlabs package.
var (
	// ErrMissingAPIKey indicates the API key was not provided.
	ErrMissingAPIKey = errors.New("elevenlabs: API key is required")

	// ErrMissingAgentID indicates the agent ID was not provided.
	ErrMissingAgentID = errors.New("elevenlabs: agent ID is required")

	// ErrNoSignedURL indicates the provider response carried no usable URL.
	ErrNoSignedURL = errors.New("elevenlabs: response contained no signed URL")
)

// APIError represents an error response from the ElevenLabs REST API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the response body, truncated for logging.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("elevenlabs: API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the request can be retried.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// NewAPIError creates a new APIError.
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{StatusCode: statusCode, Message: message}
}

// ConnectionError represents a WebSocket connection error.
type ConnectionError struct {
	// Reason describes why the connection failed.
	Reason string

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("elevenlabs: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("elevenlabs: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error) *ConnectionError {
	return &ConnectionError{Reason: reason, Cause: cause}
}
