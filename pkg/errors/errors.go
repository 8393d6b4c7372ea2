// Package apperrors defines the sentinel and typed errors shared by
// devstream's service packages, so the API layer can map them to HTTP
// status codes in one place.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when a compare-and-swap update loses a race
	// with a concurrent writer (lifecycle or parse_status already moved).
	ErrConflict = errors.New("conflicting state transition")

	// ErrAmbiguous is returned when a correlation or lookup matches more
	// than one candidate and the caller has no way to disambiguate.
	ErrAmbiguous = errors.New("ambiguous match")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
