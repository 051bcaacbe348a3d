// Package registry is the authoritative view over stored schedules,
// templates, and tenant settings.
//
// # Lifecycle
//
// A schedule is active, paused, completed, or deleted. The registry owns
// every transition except dispatch-time completion/advancement, which the
// dispatcher commits through the same optimistic compare-and-commit
// primitive. The rules:
//
//   - create     -> active (or straight to completed when the trigger is
//     already exhausted, e.g. an absolute reminder in the past: no firing)
//   - pause      -> next_fire_at frozen, excluded from the due-scan
//   - resume     -> next_fire_at recomputed from now; missed occurrences are
//     not replayed
//   - delete     -> terminal; the row is retained for audit until the
//     housekeeping retention window lapses
//   - edit       -> allowed on active/paused only; a trigger change
//     recomputes next_fire_at, a payload change does not
//
// All errors are returned synchronously; nothing is swallowed. Callers match
// with errors.Is against ErrNotFound, ErrInvalidState, ErrConflict,
// ErrInvalidTrigger, and ErrUnknownTimezone.
package registry
