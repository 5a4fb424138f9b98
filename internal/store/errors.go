package store

import "errors"

// Sentinel errors returned by store implementations. Callers match with
// errors.Is; everything else is a transport/driver failure.
var (
	// ErrNotFound means the row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict means a conditional update lost the race (e.g. resolving
	// an approval that is no longer pending).
	ErrConflict = errors.New("store: conflict")
)
