package storage

import (
	"errors"
	"time"

	"pingur/internal/trigger"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (the only supported driver; the engine
//     requires durability across restarts, so there is no memory backend)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// ScheduleState is the lifecycle state of a schedule.
//
// Transitions are owned by the registry; storage only persists them.
type ScheduleState string

const (
	StateActive    ScheduleState = "active"
	StatePaused    ScheduleState = "paused"
	StateCompleted ScheduleState = "completed"
	StateDeleted   ScheduleState = "deleted"
)

// Tenant is a served community/server. Tenants are never hard-deleted.
type Tenant struct {
	ID          string
	Destination string // default delivery destination, e.g. "channel:123" or "dm:456"
	Timezone    string // IANA zone name
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Schedule is the unifying record for a recurring ping or one-off reminder.
//
// NextFireAt is denormalized (UTC) for the due-scan; it is recomputed on
// every mutation that affects the trigger. Version backs optimistic
// concurrency: every committed mutation increments it.
type Schedule struct {
	ID          string
	TenantID    string
	Kind        trigger.Kind
	TriggerSpec string
	Payload     string
	Destination string // optional override; empty means the tenant default
	State       ScheduleState
	NextFireAt  time.Time // zero when nothing is scheduled (completed/deleted)
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Template is a named, tenant-scoped reusable reminder definition.
// Templates are never fired directly.
type Template struct {
	ID          string
	TenantID    string
	Name        string // unique per tenant
	Kind        trigger.Kind
	TriggerSpec string
	Payload     string
	Destination string
	CreatedAt   time.Time
}

// AuditEntry records an engine action (lifecycle transition, fired
// occurrence, delivery failure). Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	TenantID   string
	ScheduleID string
	Action     string
	Detail     string
	Error      string
}
