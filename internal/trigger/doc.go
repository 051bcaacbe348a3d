// Package trigger resolves when a schedule fires next.
//
// It is pure computation: given a parsed trigger spec, a tenant's IANA
// location, and a reference instant, Resolve returns the next fire instant
// in UTC or ErrExhausted when the trigger has nothing left to fire.
//
// # Spec formats
//
//   - Interval: Go duration strings like "30m" or "24h". Minimum 1 minute.
//     The duration is applied in civil time under the tenant location, so a
//     24h ping pinned to 09:00 local stays at 09:00 across DST transitions.
//   - Absolute: a calendar timestamp like "2025-06-01T09:00" (seconds
//     optional, "T" or space separator). It is interpreted in the tenant
//     location at resolve time, fires once, and is exhausted at or before
//     the reference instant.
//
// Timezone lookups fail closed: an unknown IANA name is an error, never a
// silent fallback.
package trigger
