package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an entity already exists or was modified
	// concurrently.
	ErrConflict = errors.New("storage: conflict")
)
