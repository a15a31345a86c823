package alias

import "errors"

var (
	// ErrOutOfRange is returned when an alias falls outside 1..max (spec I5).
	ErrOutOfRange = errors.New("alias: out of range")

	// ErrNotFound is returned by Find when the alias has no mapping.
	ErrNotFound = errors.New("alias: not found")
)
