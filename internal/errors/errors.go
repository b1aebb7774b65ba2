// Package errors provides standardized error codes for the host application.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (auth, server, terminal, client, storage)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by mobile clients for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that mobile clients can rely on for error handling.
const (
	// Auth domain - pairing and credential errors.
	// These are terminal for the current credential on the peer side:
	// the reconnection engine must not retry them automatically.
	CodeAuthInvalidCode       = "auth.invalid_code"        // Candidate matched neither code nor password
	CodeAuthAlreadyConnected  = "auth.already_connected"   // Another peer session is active
	CodeAuthRateLimitExceeded = "auth.rate_limit_exceeded" // Source is locked out from authenticating
	CodeAuthRequired          = "auth.required"            // Message sent before authentication

	// Server domain - protocol and connection errors.
	// Handled locally with a structured reply; the connection stays open.
	CodeServerInvalidMessage = "server.invalid_message" // Malformed or invalid control frame
	CodeServerSendFailed     = "server.send_failed"     // Failed to send message to peer
	CodeServerConnectionLost = "server.connection_lost" // Connection unexpectedly closed

	// Terminal domain - tab registry errors.
	CodeTerminalTabNotFound = "terminal.tab_not_found" // Referenced tab does not exist
	CodeTerminalWriteFailed = "terminal.write_failed"  // Failed to forward bytes to the tab
	CodeTerminalRateLimited = "terminal.rate_limited"  // Too many input messages per second

	// Audio session failures (limits, timeouts, missing data) and the
	// inactivity timeout have no codes here: they reach the peer as
	// transcription_result error strings and disconnected reasons, not as
	// error frames.

	// Client domain - peer-side connection errors.
	CodeClientConnectTimeout = "client.connect_timeout" // Dial did not complete in time

	// Storage domain - database and persistence errors.
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data

	// CodeUnknown is the fallback for errors that carry no code.
	CodeUnknown = "error.unknown"
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "auth.invalid_code")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsAuthCode reports whether the code belongs to the auth domain.
// The peer-side reconnection engine uses this to distinguish terminal
// credential failures from retryable transport failures.
func IsAuthCode(code string) bool {
	switch code {
	case CodeAuthInvalidCode, CodeAuthAlreadyConnected, CodeAuthRateLimitExceeded:
		return true
	}
	return false
}

// Common error constructors for frequently used error types.

// InvalidCode creates an "auth.invalid_code" error.
func InvalidCode() *CodedError {
	return New(CodeAuthInvalidCode, "invalid pairing code or password")
}

// AlreadyConnected creates an "auth.already_connected" error.
func AlreadyConnected() *CodedError {
	return New(CodeAuthAlreadyConnected, "another device is already connected")
}

// RateLimitExceeded creates an "auth.rate_limit_exceeded" error carrying
// the remaining lockout duration in whole seconds.
func RateLimitExceeded(remainingSeconds int) *CodedError {
	return New(CodeAuthRateLimitExceeded,
		fmt.Sprintf("too many failed attempts, locked out for %d seconds", remainingSeconds))
}

// TabNotFound creates a "terminal.tab_not_found" error.
func TabNotFound(tabID string) *CodedError {
	return New(CodeTerminalTabNotFound, fmt.Sprintf("tab %s does not exist", tabID))
}
