package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pingur/pkg/logx"
)

// Store is the persistence API used by the registry and the dispatcher.
//
// All single-record writes are atomic; multi-record operations (PauseAll,
// ApplyTimezoneChange) are atomic as a unit or fail with no partial write.
type Store interface {
	// Tenants.
	UpsertTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id string) (Tenant, error)

	// Schedules.
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (Schedule, error)
	// ListSchedules returns a tenant's non-deleted schedules in creation order.
	ListSchedules(ctx context.Context, tenantID string) ([]Schedule, error)
	// DueSchedules returns active schedules with next_fire_at <= now,
	// oldest-due first.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
	// UpdateScheduleCAS commits upd only if the stored row still carries
	// (expectVersion, expectState). It reports false when the precondition
	// failed (the caller lost a race), reserving errors for store trouble.
	UpdateScheduleCAS(ctx context.Context, upd Schedule, expectVersion int64, expectState ScheduleState) (bool, error)
	// PauseAll transitions every active schedule of a tenant to paused as
	// one statement and returns how many rows changed.
	PauseAll(ctx context.Context, tenantID string, now time.Time) (int64, error)
	// ApplyTimezoneChange commits the tenant record and the recomputed
	// next_fire_at of its active schedules in one transaction.
	ApplyTimezoneChange(ctx context.Context, t Tenant, nextFires map[string]time.Time) error

	// Templates.
	CreateTemplate(ctx context.Context, t *Template) error
	GetTemplate(ctx context.Context, id string) (Template, error)
	ListTemplates(ctx context.Context, tenantID string) ([]Template, error)
	DeleteTemplate(ctx context.Context, tenantID, name string) error

	// Audit + retention.
	AppendAudit(ctx context.Context, e AuditEntry) error
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	// PruneSchedules hard-removes completed/deleted schedules whose last
	// update predates the cutoff (end of the soft-retention window).
	PruneSchedules(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
