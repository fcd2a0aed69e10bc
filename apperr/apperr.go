// Package apperr defines the error taxonomy shared by every domain service.
// Domain packages wrap these sentinels with package-prefixed context so callers
// can branch on kind with errors.Is while logs keep the full chain.
package apperr

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound signals a referenced entity id does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState signals an operation illegal for the current lifecycle
	// state, including races lost against a concurrent transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden signals the actor lacks authority over the entity.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict signals a uniqueness violation such as a duplicate review.
	ErrConflict = errors.New("conflict")
)

// ValidationError accumulates every violated constraint of a malformed input,
// not just the first one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// Validation builds a ValidationError from the collected violations. It returns
// nil when the list is empty so call sites can return it unconditionally.
func Validation(violations []string) error {
	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// AsValidation unwraps err into a ValidationError if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
