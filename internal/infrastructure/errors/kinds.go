package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports malformed or out-of-range input. It is raised before any I/O
// and is never retried.
type ValidationError struct {
	Op     string
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation failed"
	}
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	b.WriteString(" [")
	if e.Op != "" {
		fmt.Fprintf(&b, "op=%s ", e.Op)
	}
	fmt.Fprintf(&b, "field=%s", e.Field)
	if e.Value != "" {
		fmt.Fprintf(&b, " value=%s", e.Value)
	}
	b.WriteString("]")
	return b.String()
}

// IsRetryable always returns false for validation errors
func (e *ValidationError) IsRetryable() bool { return false }

// NewValidationError creates a validation error
func NewValidationError(op, field, value, reason string) *ValidationError {
	// Long values end up in logs; keep them short
	if len(value) > 64 {
		value = value[:64] + "..."
	}
	return &ValidationError{Op: op, Field: field, Value: value, Reason: reason}
}

// CommunicationError reports a network, timeout or HTTP status failure.
// Status is zero when no response was received.
type CommunicationError struct {
	Op     string
	Method string
	URL    string
	Status int
	Body   any
	Err    error
}

func (e *CommunicationError) Error() string {
	if e == nil {
		return "communication error"
	}
	msg := "communication error"
	if e.Err != nil {
		msg = e.Err.Error()
	} else if e.Status != 0 {
		msg = fmt.Sprintf("request failed with status %d", e.Status)
	}
	parts := []string{}
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	if e.Method != "" {
		parts = append(parts, "method="+e.Method)
	}
	if e.URL != "" {
		parts = append(parts, "url="+e.URL)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + " [" + strings.Join(parts, " ") + "]"
}

func (e *CommunicationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable reports true for network failures, per-attempt timeouts and 5xx responses.
// Cancellation of the caller's context is never retried.
func (e *CommunicationError) IsRetryable() bool {
	if e == nil {
		return false
	}
	if e.Err != nil && errors.Is(e.Err, context.Canceled) {
		return false
	}
	return e.Status == 0 || e.Status >= 500
}

// IsClientError reports a 4xx response
func (e *CommunicationError) IsClientError() bool {
	return e != nil && e.Status >= 400 && e.Status < 500
}

// AuthError reports expired or invalid credentials. Whoever raises it has
// already cleared the session.
type AuthError struct {
	Op     string
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "authentication error"
	}
	msg := "authentication error"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Op != "" {
		msg += " [op=" + e.Op + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable always returns false for auth errors
func (e *AuthError) IsRetryable() bool { return false }

// NewAuthError creates an auth error
func NewAuthError(op, reason string, err error) *AuthError {
	return &AuthError{Op: op, Reason: reason, Err: err}
}

// PrivacyError reports a failed GDPR or consent operation
type PrivacyError struct {
	Op      string
	Err     error
	Context map[string]string
}

func (e *PrivacyError) Error() string {
	if e == nil {
		return "privacy operation failed"
	}
	msg := "privacy operation failed"
	if e.Op != "" {
		msg += " [op=" + e.Op + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PrivacyError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsRetryable defers to the wrapped cause
func (e *PrivacyError) IsRetryable() bool {
	if e == nil || e.Err == nil {
		return false
	}
	return IsRetryable(e.Err)
}

// NewPrivacyError wraps err as a privacy failure
func NewPrivacyError(op string, err error, context map[string]string) *PrivacyError {
	return &PrivacyError{Op: op, Err: err, Context: context}
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	var v *ValidationError
	if errors.As(err, &v) {
		return true
	}
	code, ok := storageCode(err)
	return ok && code == ErrCodeValidation
}

// IsCommunication checks if the error is a communication error
func IsCommunication(err error) bool {
	var c *CommunicationError
	return errors.As(err, &c)
}

// IsAuth checks if the error is an auth error
func IsAuth(err error) bool {
	var a *AuthError
	return errors.As(err, &a)
}

// IsPrivacy checks if the error is a privacy error
func IsPrivacy(err error) bool {
	var p *PrivacyError
	return errors.As(err, &p)
}

// StatusCode returns the HTTP status carried by a CommunicationError, or 0
func StatusCode(err error) int {
	var c *CommunicationError
	if errors.As(err, &c) {
		return c.Status
	}
	return 0
}

// Guidance tells the UI layer how to present a failure
type Guidance string

const (
	GuidanceNone     Guidance = ""
	GuidanceRetry    Guidance = "retry"
	GuidanceTerminal Guidance = "terminal"
)

// GuidanceFor maps an error onto retry or terminal guidance.
// Network, 5xx, 429 and busy-storage failures are transient; everything else is terminal.
func GuidanceFor(err error) Guidance {
	if err == nil {
		return GuidanceNone
	}
	var c *CommunicationError
	if errors.As(err, &c) && c.Status == 429 {
		return GuidanceRetry
	}
	if IsRetryable(err) {
		return GuidanceRetry
	}
	return GuidanceTerminal
}
