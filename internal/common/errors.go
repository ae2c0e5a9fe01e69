// Package common defines shared sentinel errors used across the engine.
// Callers should use errors.Is / errors.As to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal = errors.New("internal error")

	// ErrConflict reports that an email, handle or provider id is already taken.
	ErrConflict = errors.New("conflict")

	// ErrInvalidCredential covers a bad password and a bad, used or expired
	// refresh or recovery token.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrExpired is the finer grained variant of ErrInvalidCredential.
	ErrExpired = fmt.Errorf("expired: %w", ErrInvalidCredential)

	// ErrInvalidOrExpired is returned when a recovery token does not match or has lapsed.
	ErrInvalidOrExpired = fmt.Errorf("token invalid or expired: %w", ErrInvalidCredential)

	// ErrInvalidInput reports caller input the engine refuses to store.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPassword is returned for a password the hasher cannot take,
	// such as one longer than 72 bytes.
	ErrInvalidPassword = fmt.Errorf("password not acceptable: %w", ErrInvalidInput)

	// ErrAuthenticationFailed hides provider and storage failures during federated login.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Access-token gate errors. Every reason wraps ErrAuthentication.
	ErrAuthentication   = errors.New("authentication required")
	ErrMissingToken     = fmt.Errorf("missing token: %w", ErrAuthentication)
	ErrMalformedToken   = fmt.Errorf("malformed authorization header: %w", ErrAuthentication)
	ErrInvalidSignature = fmt.Errorf("invalid token signature: %w", ErrAuthentication)
	ErrTokenExpired     = fmt.Errorf("token expired: %w", ErrAuthentication)
	ErrIdentityNotFound = fmt.Errorf("identity not found: %w", ErrAuthentication)
)

// ConflictError names the unique field that collided.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already taken", e.Field)
}

// Is makes errors.Is(err, ErrConflict) hold for every ConflictError.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewConflictError returns a ConflictError for field.
func NewConflictError(field string) error {
	return &ConflictError{Field: field}
}

// ConflictField extracts the colliding field name, or "" when err is not a conflict.
func ConflictField(err error) string {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Field
	}
	return ""
}

// ValidationError names a required field that was missing or blank.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s is required", e.Field)
}

// Is makes errors.Is(err, ErrInvalidInput) hold for every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NewValidationError returns a ValidationError for field.
func NewValidationError(field string) error {
	return &ValidationError{Field: field}
}
