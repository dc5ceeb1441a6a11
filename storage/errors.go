package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an outcome is not found.
	ErrNotFound = errors.New("outcome not found")
)
