package domain

import "errors"

// Sentinel errors shared across services and handlers.
var (
	// ErrNotFound indicates the resource does not exist or is not owned
	// by the caller; the two cases are indistinguishable to clients.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the operation conflicts with current state,
	// such as completing an already-completed step.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("validation failed")
)
