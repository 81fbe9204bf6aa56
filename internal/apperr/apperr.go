// Package apperr defines the error taxonomy shared by the engine packages.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes reported to callers.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInvalidTransition = "INVALID_STATE_TRANSITION"
	CodeMissingVariant    = "MISSING_VARIANT"
	CodeStorage           = "STORAGE_ERROR"
	CodeInternal          = "INTERNAL_ERROR"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrMissingVariant    = errors.New("statistics require a control and at least one non-control variant")
	ErrStorage           = errors.New("storage error")
)

// ValidationError lists every reason a config or transition was rejected.
type ValidationError struct {
	Reasons []string
}

// NewValidationError builds a ValidationError from a list of reasons.
func NewValidationError(reasons ...string) *ValidationError {
	return &ValidationError{Reasons: reasons}
}

func (e *ValidationError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrValidation.Error()
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(e.Reasons, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// TransitionError is returned when a lifecycle action is not allowed from
// the current state.
type TransitionError struct {
	From    string
	Action  string
	Reasons []string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: cannot %s from %s", ErrInvalidTransition, e.Action, e.From)
	if len(e.Reasons) > 0 {
		msg += ": " + strings.Join(e.Reasons, "; ")
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Storage wraps a persistence failure so it matches ErrStorage.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// Code maps an error to its taxonomy code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrMissingVariant):
		return CodeMissingVariant
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrStorage):
		return CodeStorage
	default:
		return CodeInternal
	}
}

// Reasons returns the human-readable reasons carried by a validation or
// transition error, or the error text otherwise.
func Reasons(err error) []string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reasons
	}
	var te *TransitionError
	if errors.As(err, &te) {
		if len(te.Reasons) > 0 {
			return te.Reasons
		}
		return []string{te.Error()}
	}
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}
