package gateway

import (
	"errors"
	"fmt"
)

// Failure classes for gateway operations. Callers branch with errors.Is; the
// wrapped message is the human-readable description surfaced to the UI layer.
var (
	// ErrValidation marks malformed input caught before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized marks a mutation rejected because the acting user
	// lacks rights over the target record.
	ErrUnauthorized = errors.New("not authorized")
	// ErrNotFound marks a missing referenced entity.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks a connectivity-class failure. Not retried
	// automatically; the caller decides.
	ErrTransient = errors.New("transient failure")
)

// Validationf wraps a formatted message with ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Unauthorizedf wraps a formatted message with ErrUnauthorized.
func Unauthorizedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnauthorized, fmt.Sprintf(format, args...))
}

// NotFoundf wraps a formatted message with ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Transientf wraps a formatted message with ErrTransient.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}
