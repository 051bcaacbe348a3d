// Package storage is the durable record layer for tenants, schedules,
// templates, and the audit trail.
//
// It holds no business logic. The scheduling-relevant primitives are:
//   - DueSchedules: the indexed (state, next_fire_at) scan
//   - UpdateScheduleCAS: optimistic compare-and-commit, the claim primitive
//     that keeps concurrent dispatch cycles from double-firing a schedule
package storage
