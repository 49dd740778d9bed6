// Package errs defines the error kinds surfaced by domain operations.
// Kinds are sentinels; callers test them with errors.Is and the HTTP layer
// maps them to status codes.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates malformed or duplicate input, caught before any external call.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the addressed user or role does not exist.
	// It is also reported as ErrValidation.
	ErrNotFound = errors.New("not found")

	// ErrExternalDependency indicates an identity-provider or permission-center call failed.
	ErrExternalDependency = errors.New("external dependency error")

	// ErrPersistence indicates a local write or commit failed.
	ErrPersistence = errors.New("persistence error")

	// ErrAuthorizationInvariant indicates an attempt to violate a protected invariant
	// (built-in role, built-in admin, superuser membership).
	ErrAuthorizationInvariant = errors.New("authorization invariant violated")
)

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the cause so errors.Is/As keep working through the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the error kind. Not-found errors also match ErrValidation.
func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrNotFound && target == ErrValidation
}

func newError(kind error, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation returns an ErrValidation error.
func Validation(format string, args ...any) error {
	return newError(ErrValidation, nil, format, args...)
}

// NotFound returns an ErrNotFound error.
func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, nil, format, args...)
}

// Invariant returns an ErrAuthorizationInvariant error.
func Invariant(format string, args ...any) error {
	return newError(ErrAuthorizationInvariant, nil, format, args...)
}

// External wraps err as an ErrExternalDependency error.
func External(err error, format string, args ...any) error {
	return newError(ErrExternalDependency, err, format, args...)
}

// Persistence wraps err as an ErrPersistence error.
func Persistence(err error, format string, args ...any) error {
	return newError(ErrPersistence, err, format, args...)
}

// Wrap adds context to err while preserving the chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// KindOf returns the kind sentinel of err, or nil when err carries none.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrAuthorizationInvariant):
		return ErrAuthorizationInvariant
	case errors.Is(err, ErrValidation):
		return ErrValidation
	case errors.Is(err, ErrExternalDependency):
		return ErrExternalDependency
	case errors.Is(err, ErrPersistence):
		return ErrPersistence
	}
	return nil
}

// Classify returns err unchanged when it already carries a kind and
// otherwise wraps it as a persistence failure.
func Classify(err error) error {
	if err == nil || KindOf(err) != nil {
		return err
	}
	return Persistence(err, "local persistence failed")
}

// Message returns the human-readable message of the outermost *Error in the
// chain, falling back to err.Error().
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// PropagationWarning records a post-commit policy command that failed.
// It is logged and counted, never returned to a caller.
type PropagationWarning struct {
	Op      string
	Batch   string
	Command string
	Err     error
}

func (w *PropagationWarning) Error() string {
	return fmt.Sprintf("propagation of %s (op=%s batch=%s) failed: %v", w.Command, w.Op, w.Batch, w.Err)
}

func (w *PropagationWarning) Unwrap() error {
	return w.Err
}
