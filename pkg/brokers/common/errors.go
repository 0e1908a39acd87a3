package common

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed input, enumerating offending fields.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "validation failed"
	}
	if len(e.Fields) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(e.Fields, ", "))
}

// NewValidationError builds a ValidationError.
func NewValidationError(msg string, fields ...string) *ValidationError {
	return &ValidationError{Message: msg, Fields: fields}
}

// AuthenticationError means credentials are missing, invalid or revoked.
type AuthenticationError struct {
	Venue  string
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Venue, e.Reason)
}

// TokenExpiredError means an OAuth token is expired and cannot be renewed.
// Callers should send the user through re-authorization instead of retrying.
type TokenExpiredError struct {
	Venue string
}

func (e *TokenExpiredError) Error() string {
	return fmt.Sprintf("%s: access token expired, re-authorization required", e.Venue)
}

// UnsupportedOperationError means the venue lacks the requested primitive.
type UnsupportedOperationError struct {
	Venue     string
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: unsupported operation: %s", e.Venue, e.Operation)
}

// BrokerAPIError wraps a venue transport or logic failure.
type BrokerAPIError struct {
	Venue      string
	Operation  string
	StatusCode int // HTTP status when known
	Cause      error
}

func (e *BrokerAPIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Venue, e.Operation, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s %s: %v", e.Venue, e.Operation, e.Cause)
}

func (e *BrokerAPIError) Unwrap() error { return e.Cause }

// TimeoutError means the call exceeded its deadline and its outcome is unknown.
type TimeoutError struct {
	Venue     string
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out, outcome unknown", e.Venue, e.Operation)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// NewAPIError wraps cause as a BrokerAPIError.
func NewAPIError(venue, op string, status int, cause error) *BrokerAPIError {
	return &BrokerAPIError{Venue: venue, Operation: op, StatusCode: status, Cause: cause}
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
