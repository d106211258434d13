// Package shared contains the errors and events every layer of the sync
// engine speaks: domain code returns them, adapters wrap them, presenters
// match on them with errors.Is.
package shared

import (
	"errors"
	"fmt"
)

// Kinds. Every DomainError carries one of these so callers can branch on the
// category without knowing the concrete error.
var (
	ErrNotFound        = errors.New("entity not found")
	ErrAlreadyExists   = errors.New("entity already exists")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidState    = errors.New("invalid state")
	ErrUnauthorized    = errors.New("unauthorized")

	// ErrWriteFailed is the kind of every failed remote write (update,
	// increment, create). It is surfaced to the caller and never retried.
	ErrWriteFailed = errors.New("remote write failed")
)

// DomainError is an error with the layer and operation it came from.
type DomainError struct {
	Domain  string // "profile", "session", "store"
	Op      string // "RecordStudy", "Update", ...
	Kind    error
	Message string
	Err     error // cause, optional
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the cause, or the kind when there is none.
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches another DomainError by identity fields, or any error matched by
// the kind or the cause.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Op == t.Op && e.Message == t.Message
	}
	return (e.Kind != nil && errors.Is(e.Kind, target)) ||
		(e.Err != nil && errors.Is(e.Err, target))
}

// NewDomainError creates a DomainError without a cause.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError creates a DomainError around err.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// Profile errors.
var (
	ErrProfileNotFound   = NewDomainError("profile", "Find", ErrNotFound, "profile not found")
	ErrProfileExists     = NewDomainError("profile", "Create", ErrAlreadyExists, "profile already exists")
	ErrInvalidSubject    = NewDomainError("profile", "Validate", ErrInvalidInput, "unknown subject")
	ErrInvalidGoals      = NewDomainError("profile", "Validate", ErrValueOutOfRange, "daily goals must be positive for every subject")
	ErrInvalidName       = NewDomainError("profile", "Validate", ErrEmptyValue, "display name is required")
	ErrInvalidAvatar     = NewDomainError("profile", "Validate", ErrInvalidInput, "unknown avatar")
	ErrInvalidIdentity   = NewDomainError("profile", "Validate", ErrInvalidID, "identity is required")
	ErrInvalidPatchField = NewDomainError("profile", "Validate", ErrInvalidInput, "field cannot be incremented")
)

// Session errors.
var (
	ErrUnauthenticated = NewDomainError("session", "Check", ErrUnauthorized, "no identity is bound")
	ErrProfileNotReady = NewDomainError("session", "Check", ErrInvalidState, "profile has not been loaded yet")
	ErrSessionClosed   = NewDomainError("session", "Bind", ErrInvalidState, "session manager is closed")
)

// NewWriteFailure wraps a store error as a WriteFailure.
func NewWriteFailure(op string, err error) *DomainError {
	return WrapError("store", op, ErrWriteFailed, "remote write failed", err)
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports errors caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsWriteFailure checks if the error is a failed remote write.
func IsWriteFailure(err error) bool {
	return errors.Is(err, ErrWriteFailed)
}
