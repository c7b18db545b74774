package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a status update matched no row,
// meaning the entity is missing or already past the expected status.
// Status columns only ever move forward; a lost race is a caller bug.
var ErrInvalidTransition = errors.New("storage: invalid status transition")
