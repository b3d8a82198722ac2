// Package errors defines the error taxonomy shared by the settlement and
// installment components. Configuration and lifecycle errors surface
// synchronously to the caller; transient lookup errors are recorded during
// background polling and never cross the asynchronous boundary.
package errors

import (
	"errors"
	"fmt"
)

// Lifecycle errors: the definitive outcome of an agreement operation.
var (
	ErrNotFound          = errors.New("agreement not found")
	ErrNotPending        = errors.New("agreement is not pending")
	ErrExpired           = errors.New("agreement has expired")
	ErrInvalidTransition = errors.New("invalid agreement transition")
	ErrQuoteExpired      = errors.New("currency quote has expired")
)

// ConfigurationError reports bad input detected at call time. It is never
// retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for a single field.
func NewConfigurationError(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfiguration reports whether err is a configuration error.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// TransientLookupError wraps a collaborator failure observed during
// background polling. It is diagnostic only and never terminal.
type TransientLookupError struct {
	Op  string
	Err error
}

func (e *TransientLookupError) Error() string {
	return fmt.Sprintf("transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientLookupError) Unwrap() error { return e.Err }

// Is, As and Unwrap re-exports so callers need only this package.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Unwrap(err error) error        { return errors.Unwrap(err) }
func New(text string) error         { return errors.New(text) }
