package storage

import "errors"

var (
	// ErrNotFound is returned when no object exists under a key
	ErrNotFound = errors.New("object not found")

	// ErrEtagConflict is returned when a write's etag precondition does
	// not match the stored object
	ErrEtagConflict = errors.New("etag conflict")

	// ErrUniqueConflict is returned when a write requires the key to be
	// unoccupied but an object already exists
	ErrUniqueConflict = errors.New("unique constraint conflict")
)
