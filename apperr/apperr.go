// Package apperr holds the failure taxonomy shared by the client components.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied = errors.New("capture device access denied")
	ErrTransfer         = errors.New("transfer failed")
	ErrValidation       = errors.New("validation failed")
	ErrFetch            = errors.New("fetch failed")
	ErrBusy             = errors.New("operation already in flight")
	ErrSessionActive    = errors.New("a recording session is already active")
	ErrMissingField     = errors.New("expected field missing from response")
)

// ValidationError reports a locally rejected input. No request is issued
// when one of these is returned.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func Validation(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
