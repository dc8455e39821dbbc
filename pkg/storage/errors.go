package storage

import "errors"

// Sentinel errors for artifact operations.
var (
	// ErrNotFound is returned when no artifact exists at the address.
	ErrNotFound = errors.New("artifact not found")

	// ErrInvalidPath is returned when a relative path fails validation.
	ErrInvalidPath = errors.New("invalid artifact path")
)
