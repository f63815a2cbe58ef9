package model

import (
	"errors"
	"fmt"
)

// Error classes surfaced by the transition engine. Callers match them with
// errors.Is; messages carry the specifics.
var (
	// ErrValidation: malformed input, rejected before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrConflict: a non-terminal transition already exists, or a concurrent
	// writer won. Rejected before any state change.
	ErrConflict = errors.New("conflict")
	// ErrBusinessRule: the operation is not permitted given current data.
	ErrBusinessRule = errors.New("business rule violated")
	// ErrNotFound: a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRollbackUnavailable: no unexpired, unused checkpoint. State is unchanged.
	ErrRollbackUnavailable = errors.New("rollback unavailable")

	// ErrInvalidState is returned for operations attempted from the wrong
	// transition status.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrBusinessRule)

	// ErrVersionConflict is returned by optimistic writes when the stored row
	// changed since it was read. It is retryable.
	ErrVersionConflict = errors.New("version conflict")
)

func ValidationErrorf(format string, args ...any) error {
	return wrapf(ErrValidation, format, args...)
}

func ConflictErrorf(format string, args ...any) error {
	return wrapf(ErrConflict, format, args...)
}

func BusinessRuleErrorf(format string, args ...any) error {
	return wrapf(ErrBusinessRule, format, args...)
}

func NotFoundErrorf(format string, args ...any) error {
	return wrapf(ErrNotFound, format, args...)
}

func RollbackUnavailableErrorf(format string, args ...any) error {
	return wrapf(ErrRollbackUnavailable, format, args...)
}

func InvalidStateErrorf(format string, args ...any) error {
	return wrapf(ErrInvalidState, format, args...)
}

func wrapf(class error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", class, fmt.Sprintf(format, args...))
}

// IsRecoverable reports whether a failed resolution can be retried with a
// different action without abandoning the transition.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrBusinessRule) || errors.Is(err, ErrValidation)
}
