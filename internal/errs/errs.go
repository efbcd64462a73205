// Package errs defines the error taxonomy shared by the tracking services.
//
// Local failures (validation, encoding) are returned as one of the sentinel
// errors below, wrapped with component context. I/O failures around the
// command bus are classified as ErrTransportUnavailable so callers can decide
// whether to retry; nothing in this module retries a publish on its own.
package errs

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown devices, batches or reset log entries.
	ErrNotFound = errors.New("not found")

	// ErrTransportUnavailable means the command bus could not take the publish.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidChannel is returned when a channel is outside 1..4.
	ErrInvalidChannel = errors.New("invalid channel")

	// ErrInconsistentState flags a broken invariant, e.g. two active batches.
	ErrInconsistentState = errors.New("inconsistent state")

	// ErrInvalidInput covers malformed operator input.
	ErrInvalidInput = errors.New("invalid input")
)

// Wrap adds context following the pattern "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// NotFound builds an ErrNotFound for a kind/id pair
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// Invalid builds an ErrInvalidInput with a message
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the caller may retry the operation later.
// Only transport unavailability and deadline expiry qualify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransportUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
