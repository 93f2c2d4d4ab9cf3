package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotPending        = errors.New("assignment is not pending")
	ErrNotCancellable    = errors.New("request cannot be cancelled")
	ErrIncompleteProfile = errors.New("requester profile incomplete: location required")
	ErrNotExpired        = errors.New("assignment deadline has not passed")
	// ErrStaleState is returned when a compare-and-set lost to a concurrent writer.
	ErrStaleState = errors.New("stale state")
)

// InvalidTransitionError names the illegal pair.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from '%s' to '%s'", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
