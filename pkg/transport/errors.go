package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// CloseCodeAuthFailed is the close code the agent server uses to reject a
// credential.
const CloseCodeAuthFailed = 4001

// Sentinel errors for the transport package.
var (
	// ErrMissingURL indicates no endpoint was configured.
	ErrMissingURL = errors.New("transport: endpoint URL is required")

	// ErrMissingAgent indicates the target agent was not provided.
	ErrMissingAgent = errors.New("transport: agent is required")

	// ErrMissingCredential indicates the target carries no credential.
	ErrMissingCredential = errors.New("transport: credential is required")

	// ErrNotConnected indicates the session is closed.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrAuthFailed is matched by every *AuthError.
	ErrAuthFailed = errors.New("transport: authentication failed")
)

// AuthError reports that the agent rejected the credential, either with
// close code 4001 or by refusing the handshake.
type AuthError struct {
	// Code is the websocket close code, if the rejection was a close frame.
	Code int

	// StatusCode is the HTTP status, if the handshake was refused.
	StatusCode int

	// Reason is the server-provided reason.
	Reason string
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("transport: authentication failed (code %d): %s", e.Code, e.Reason)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: authentication failed (HTTP %d): %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("transport: authentication failed: %s", e.Reason)
}

// Unwrap lets errors.Is match ErrAuthFailed.
func (e *AuthError) Unwrap() error {
	return ErrAuthFailed
}

// ConnectionError represents a failed dial or a dropped connection.
type ConnectionError struct {
	// Code is the websocket close code, when the peer sent one.
	Code int

	// Reason describes why the connection failed.
	Reason string

	// Cause is the underlying error.
	Cause error

	// Retryable indicates if reconnection could succeed.
	Retryable bool
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transport: connection error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("transport: connection error: %s", e.Reason)
}

// Unwrap returns the underlying cause.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns true if reconnection should be attempted.
func (e *ConnectionError) IsRetryable() bool {
	return e.Retryable
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(reason string, cause error, retryable bool) *ConnectionError {
	return &ConnectionError{
		Reason:    reason,
		Cause:     cause,
		Retryable: retryable,
	}
}

// IsAuthFailure returns true if err is an authentication rejection.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	if IsAuthFailure(err) {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.IsRetryable()
	}
	return false
}

// handshakeError classifies a failed websocket handshake.
func handshakeError(resp *http.Response, err error) error {
	if resp == nil {
		return NewConnectionError("dial failed", err, true)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}
	return NewConnectionError(
		fmt.Sprintf("dial failed with status %d", resp.StatusCode),
		err,
		resp.StatusCode >= 500,
	)
}

// Reason returns the human-readable reason carried by a transport error.
func Reason(err error) string {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Reason
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		if connErr.Cause != nil && connErr.Code == 0 {
			return connErr.Cause.Error()
		}
		return connErr.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
