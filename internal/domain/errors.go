package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest marks malformed input. Never retried.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStaleState marks a failed precondition: the record is not in the state the caller expected.
	ErrStaleState = errors.New("stale state")
	// ErrStoreUnavailable marks a transient infrastructure fault.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound marks a missing Ping, Response or Alert.
	ErrNotFound = errors.New("not found")

	// ErrActiveReservation is returned by Open when the single-active policy is on
	// and the requester already holds a committed Ping.
	ErrActiveReservation = fmt.Errorf("%w: requester already has an active reservation", ErrInvalidRequest)
)

// Invalid wraps ErrInvalidRequest with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// Unavailable wraps a driver error as ErrStoreUnavailable, keeping the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
