// Package shared contains common domain types and errors used across the
// domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds, checked with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidID     = errors.New("invalid ID")
	ErrNegativeValue = errors.New("value cannot be negative")

	// State errors
	ErrInvalidState = errors.New("invalid state")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Programmer errors
	ErrConfig = errors.New("configuration error")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "course", "cache"
	Op      string // Operation that failed, e.g., "CompleteLesson"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the error kind for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	return e.Kind
}

// Is implements errors.Is() matching against an equal DomainError or the kind.
func (e *DomainError) Is(target error) bool {
	if t, ok := target.(*DomainError); ok {
		return e.Domain == t.Domain && e.Op == t.Op && e.Kind == t.Kind && e.Message == t.Message
	}
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// Progression errors
var (
	ErrUserNotFound            = NewDomainError("progress", "Find", ErrNotFound, "user not found")
	ErrLessonNotFound          = NewDomainError("progress", "FindLesson", ErrNotFound, "lesson not found")
	ErrCourseNotFound          = NewDomainError("progress", "FindCourse", ErrNotFound, "course not found")
	ErrAlreadyCompleted        = NewDomainError("progress", "CompleteLesson", ErrAlreadyExists, "lesson already completed")
	ErrAlreadyEnrolled         = NewDomainError("progress", "Enroll", ErrAlreadyExists, "already enrolled in course")
	ErrNotEnrolled             = NewDomainError("progress", "CheckEnrollment", ErrForbidden, "not enrolled in course")
	ErrInsufficientPermissions = NewDomainError("auth", "Authorize", ErrForbidden, "insufficient permissions")
	ErrEmptyCourse             = NewDomainError("progress", "UpdateCourseProgress", ErrInvalidState, "course has no lessons")
	ErrNegativeXP              = NewDomainError("progress", "AwardXP", ErrNegativeValue, "xp amount cannot be negative")
)

// Cache errors
var (
	ErrUnknownCacheEvent = NewDomainError("cache", "Invalidate", ErrConfig, "unknown invalidation event")
	ErrCacheEventArity   = NewDomainError("cache", "Invalidate", ErrConfig, "wrong number of ids for invalidation event")
	ErrCacheEmptyID      = NewDomainError("cache", "Invalidate", ErrConfig, "empty id for invalidation event")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict checks if the error is a duplicate-state conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsForbidden checks if the error is a precondition or authorization failure.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrNegativeValue)
}

// IsInvalidState checks if a derived computation hit inconsistent data.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsConfig checks if the error is a programmer/configuration error.
func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

// IsExpected reports whether err is an outcome a caller can cause, as opposed
// to an infrastructure or programming failure.
func IsExpected(err error) bool {
	return IsNotFound(err) || IsConflict(err) || IsForbidden(err) || IsValidation(err)
}
