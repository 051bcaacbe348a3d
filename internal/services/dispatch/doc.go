// Package dispatch runs the due-scan loop that turns stored schedules into
// outbound deliveries.
//
// Each cycle queries schedules whose next_fire_at has passed, then for each
// one commits the advance (next occurrence, or completed for a one-off)
// through the store's compare-and-commit primitive. Only the instance that
// wins the commit emits the delivery, so an occurrence fires at most once no
// matter how many dispatchers scan the same database. A failed delivery is
// logged and audited but never retried and never rolls the schedule back.
package dispatch
