package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when an entity does not exist in the active tenant scope.
	ErrNotFound = errors.New("not found")
	// ErrTenantIsolation marks an attempt to reach an entity owned by another tenant.
	// It wraps ErrNotFound so callers can never tell the two cases apart.
	ErrTenantIsolation = fmt.Errorf("tenant isolation violation: %w", ErrNotFound)
	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("already exists")
	// ErrConflict is returned when an entity is not in a state that allows the operation.
	ErrConflict = errors.New("state conflict")
	// ErrRateLimited is returned when the provider rate limiter denies a call.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrUnknownPaymentLink is returned when a webhook cannot be tied to any payment link.
	ErrUnknownPaymentLink = errors.New("payment link not found for webhook event")
	// ErrOriginalNotFound is returned when a refund arrives before its capture is recorded.
	ErrOriginalNotFound = errors.New("original transaction for refund not found")
)

// ValidationError reports a malformed request. It is raised before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// CredentialError reports undecryptable or unusable provider credentials.
type CredentialError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *CredentialError) Error() string {
	msg := "credential error"
	if e.Provider != "" {
		msg += " (" + string(e.Provider) + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

// ProviderError captures a failed call to an external provider.
type ProviderError struct {
	Provider   Provider
	Operation  string
	Timestamp  time.Time
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Operation)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " code=" + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SignatureVerificationError reports a webhook whose signature does not match.
type SignatureVerificationError struct {
	Provider Provider
	Reason   string
	Err      error
}

func (e *SignatureVerificationError) Error() string {
	msg := fmt.Sprintf("%s webhook signature verification failed", e.Provider)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SignatureVerificationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsCredential reports whether err is (or wraps) a CredentialError.
func IsCredential(err error) bool {
	var target *CredentialError
	return errors.As(err, &target)
}
