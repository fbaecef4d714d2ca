package core

import "errors"

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition is returned for lifecycle actions attempted from
	// a terminal state
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrValidation is returned for malformed input; never retried
	ErrValidation = errors.New("validation failed")

	// ErrConflict signals a concurrent-update race; retried inside the
	// owning critical section, never surfaced to callers
	ErrConflict = errors.New("conflicting concurrent update")

	// ErrQueueFull is returned when the sandbox queue cannot accept more
	// submissions
	ErrQueueFull = errors.New("sandbox queue full")
)
