package relay

import (
	"errors"
	"fmt"

	"instarelay/internal/storage"
)

var (
	// ErrValidation marks inputs rejected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrPersistence marks store failures; callers may retry.
	ErrPersistence = errors.New("persistence failed")
	// ErrUnauthenticated is returned by identity providers for handshakes
	// without a valid identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound marks mutations that reference a missing comment.
	ErrNotFound = errors.New("not found")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError wraps a store failure for the operation Op.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Retryable reports whether the client may resend the request.
func (e *PersistenceError) Retryable() bool {
	return true
}

// storeError maps a store error onto the relay taxonomy.
func storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.Is(err, storage.ErrForbidden):
		return invalid("actor", "only the author may change this comment")
	case errors.Is(err, storage.ErrInvalid):
		return invalid("", err.Error())
	default:
		return &PersistenceError{Op: op, Err: err}
	}
}

// Error codes carried by error frames.
const (
	CodeValidation     = "validation"
	CodePersistence    = "persistence"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeUnknownCommand = "unknown_command"
)

// errorCode returns the wire code and retryability for err.
func errorCode(err error) (string, bool) {
	var persistence *PersistenceError
	switch {
	case errors.As(err, &persistence):
		return CodePersistence, persistence.Retryable()
	case errors.Is(err, ErrPersistence):
		return CodePersistence, true
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, false
	default:
		return CodeValidation, false
	}
}
