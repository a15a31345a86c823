package idalloc

import "errors"

var (
	// ErrExhausted names the case of a pool with no free values left. Pool
	// methods do not return it: Allocate reports that case with a false result.
	ErrExhausted = errors.New("idalloc: pool exhausted")

	// ErrOutOfRange names a value outside the pool's configured [lowest,
	// highest] bounds. Pool methods do not return it: Use reports such a
	// value with a false result and Release ignores it.
	ErrOutOfRange = errors.New("idalloc: value out of range")
)
