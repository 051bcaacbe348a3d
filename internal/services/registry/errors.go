package registry

import (
	"errors"

	"pingur/internal/storage"
	"pingur/internal/trigger"
)

// The caller-facing error taxonomy. NotFound/Conflict originate in storage,
// trigger errors in the resolver; aliasing keeps errors.Is working across
// package boundaries without re-wrapping.
var (
	ErrNotFound        = storage.ErrNotFound
	ErrConflict        = storage.ErrConflict
	ErrInvalidTrigger  = trigger.ErrInvalidSpec
	ErrUnknownTimezone = trigger.ErrUnknownTimezone

	// ErrInvalidState rejects an operation not permitted in the schedule's
	// current lifecycle state (e.g. editing a deleted schedule).
	ErrInvalidState = errors.New("operation not permitted in current state")
)
