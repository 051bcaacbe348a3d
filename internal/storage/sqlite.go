package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Tenants ----

func (s *sqliteStore) UpsertTenant(ctx context.Context, t Tenant) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, destination, timezone, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   destination=excluded.destination,
		   timezone=excluded.timezone,
		   updated_at=excluded.updated_at`,
		t.ID, t.Destination, t.Timezone, ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetTenant(ctx context.Context, id string) (Tenant, error) {
	var (
		t                    Tenant
		createdMS, updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, destination, timezone, created_at, updated_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Destination, &t.Timezone, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Tenant{}, err
	}
	t.CreatedAt = fromMS(createdMS)
	t.UpdatedAt = fromMS(updatedMS)
	return t, nil
}

// ---- Schedules ----

const scheduleCols = `id, tenant_id, kind, trigger_spec, payload, destination, state, next_fire_at, version, created_at, updated_at`

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now
	if sc.Version <= 0 {
		sc.Version = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.TenantID, string(sc.Kind), sc.TriggerSpec, sc.Payload, sc.Destination,
		string(sc.State), ms(sc.NextFireAt), sc.Version, ms(sc.CreatedAt), ms(sc.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, tenantID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE tenant_id = ? AND state != ?
		 ORDER BY created_at ASC, id ASC`,
		tenantID, string(StateDeleted),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules
		 WHERE state = ? AND next_fire_at > 0 AND next_fire_at <= ?
		 ORDER BY next_fire_at ASC
		 LIMIT ?`,
		string(StateActive), ms(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *sqliteStore) UpdateScheduleCAS(ctx context.Context, upd Schedule, expectVersion int64, expectState ScheduleState) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET kind=?, trigger_spec=?, payload=?, destination=?, state=?, next_fire_at=?,
		     version=version+1, updated_at=?
		 WHERE id = ? AND version = ? AND state = ?`,
		string(upd.Kind), upd.TriggerSpec, upd.Payload, upd.Destination, string(upd.State),
		ms(upd.NextFireAt), ms(time.Now()),
		upd.ID, expectVersion, string(expectState),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) PauseAll(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET state=?, version=version+1, updated_at=?
		 WHERE tenant_id = ? AND state = ?`,
		string(StatePaused), ms(now), tenantID, string(StateActive),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ApplyTimezoneChange(ctx context.Context, t Tenant, nextFires map[string]time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenants(id, destination, timezone, created_at, updated_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   destination=excluded.destination,
		   timezone=excluded.timezone,
		   updated_at=excluded.updated_at`,
		t.ID, t.Destination, t.Timezone, ms(t.CreatedAt), ms(t.UpdatedAt),
	); err != nil {
		return err
	}

	for id, at := range nextFires {
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET next_fire_at=?, version=version+1, updated_at=?
			 WHERE id = ? AND state = ?`,
			ms(at), ms(now), id, string(StateActive),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ---- Templates ----

func (s *sqliteStore) CreateTemplate(ctx context.Context, t *Template) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO templates(id, tenant_id, name, kind, trigger_spec, payload, destination, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.Name, string(t.Kind), t.TriggerSpec, t.Payload, t.Destination, ms(t.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("template %q: %w", t.Name, ErrConflict)
	}
	return err
}

func (s *sqliteStore) GetTemplate(ctx context.Context, id string) (Template, error) {
	var (
		t         Template
		kind      string
		createdMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, kind, trigger_spec, payload, destination, created_at
		 FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.TenantID, &t.Name, &kind, &t.TriggerSpec, &t.Payload, &t.Destination, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Template{}, err
	}
	t.Kind = trigger.Kind(kind)
	t.CreatedAt = fromMS(createdMS)
	return t, nil
}

func (s *sqliteStore) ListTemplates(ctx context.Context, tenantID string) ([]Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, kind, trigger_spec, payload, destination, created_at
		 FROM templates WHERE tenant_id = ? ORDER BY created_at ASC, id ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var (
			t         Template
			kind      string
			createdMS int64
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &kind, &t.TriggerSpec, &t.Payload, &t.Destination, &createdMS); err != nil {
			return nil, err
		}
		t.Kind = trigger.Kind(kind)
		t.CreatedAt = fromMS(createdMS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteTemplate(ctx context.Context, tenantID, name string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM templates WHERE tenant_id = ? AND name = ?`, tenantID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("template %q: %w", name, ErrNotFound)
	}
	return nil
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, tenant_id, schedule_id, action, detail, err, at_ms)
		 VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.TenantID, e.ScheduleID,
		e.Action, nullStr(e.Detail), nullStr(e.Error), ms(e.At),
	)
	return err
}

func (s *sqliteStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at_ms < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PruneSchedules(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE state IN (?,?) AND updated_at < ?`,
		string(StateCompleted), string(StateDeleted), ms(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc                           Schedule
		kind, state                  string
		nextMS, createdMS, updatedMS int64
	)
	err := r.Scan(&sc.ID, &sc.TenantID, &kind, &sc.TriggerSpec, &sc.Payload, &sc.Destination,
		&state, &nextMS, &sc.Version, &createdMS, &updatedMS)
	if err != nil {
		return Schedule{}, err
	}
	sc.Kind = trigger.Kind(kind)
	sc.State = ScheduleState(state)
	sc.NextFireAt = fromMS(nextMS)
	sc.CreatedAt = fromMS(createdMS)
	sc.UpdatedAt = fromMS(updatedMS)
	return sc, nil
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v).UTC()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
