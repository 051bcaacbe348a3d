package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pingur/internal/eventbus"
	"pingur/internal/storage"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

var base = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

// newTestService returns a registry over a fresh sqlite store with a pinned
// clock, plus a setter to move the clock.
func newTestService(t *testing.T) (*Service, func(time.Time)) {
	t.Helper()
	st, err := storage.Open(storage.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "pingur.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc := New(st, logx.Nop(), eventbus.New())
	now := base
	svc.now = func() time.Time { return now }
	return svc, func(tm time.Time) { now = tm }
}

func seedTenant(t *testing.T, svc *Service, id, tz, dest string) {
	t.Helper()
	ctx := context.Background()
	if err := svc.SetTenantTimezone(ctx, id, tz); err != nil {
		t.Fatalf("SetTenantTimezone: %v", err)
	}
	if dest != "" {
		if err := svc.SetTenantDestination(ctx, id, dest); err != nil {
			t.Fatalf("SetTenantDestination: %v", err)
		}
	}
}

func strPtr(s string) *string { return &s }

func TestCreateScheduleComputesFirstFire(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "channel:1")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID:    "g",
		Kind:        trigger.KindInterval,
		TriggerSpec: "2h",
		Payload:     "ping",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sc.State != storage.StateActive {
		t.Fatalf("state = %s, want active", sc.State)
	}
	if want := base.Add(2 * time.Hour); !sc.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", sc.NextFireAt, want)
	}
	if sc.Version != 1 {
		t.Fatalf("version = %d, want 1", sc.Version)
	}
}

func TestCreateScheduleErrors(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	_, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "missing", Kind: trigger.KindInterval, TriggerSpec: "1h",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown tenant: want ErrNotFound, got %v", err)
	}

	_, err = svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "10s",
	})
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("sub-minute interval: want ErrInvalidTrigger, got %v", err)
	}
}

func TestCreatePastAbsoluteCompletesWithoutFiring(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID:    "g",
		Kind:        trigger.KindAbsolute,
		TriggerSpec: "2026-01-15T11:00", // an hour before the pinned clock
		Payload:     "too late",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if sc.State != storage.StateCompleted {
		t.Fatalf("state = %s, want completed", sc.State)
	}
	if !sc.NextFireAt.IsZero() {
		t.Fatalf("next = %v, want zero", sc.NextFireAt)
	}
}

func TestPauseResumeLifecycle(t *testing.T) {
	t.Parallel()
	svc, setNow := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h", Payload: "p",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	firstNext := sc.NextFireAt

	paused, err := svc.PauseSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("PauseSchedule: %v", err)
	}
	if paused.State != storage.StatePaused || !paused.NextFireAt.Equal(firstNext) {
		t.Fatalf("pause must freeze next_fire_at: %+v", paused)
	}
	if _, err := svc.PauseSchedule(ctx, sc.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double pause: want ErrInvalidState, got %v", err)
	}

	// Resume three hours later: missed occurrences are skipped, the next
	// fire is anchored on resume time.
	resumeAt := base.Add(3 * time.Hour)
	setNow(resumeAt)
	resumed, err := svc.ResumeSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if resumed.State != storage.StateActive {
		t.Fatalf("state = %s, want active", resumed.State)
	}
	if want := resumeAt.Add(time.Hour); !resumed.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", resumed.NextFireAt, want)
	}
	if _, err := svc.ResumeSchedule(ctx, sc.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("resume active: want ErrInvalidState, got %v", err)
	}
}

func TestResumePastAbsoluteCompletes(t *testing.T) {
	t.Parallel()
	svc, setNow := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindAbsolute, TriggerSpec: "2026-01-15T13:00", Payload: "p",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if _, err := svc.PauseSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("PauseSchedule: %v", err)
	}

	// The reminder's moment passes while paused.
	setNow(base.Add(2 * time.Hour))
	resumed, err := svc.ResumeSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("ResumeSchedule: %v", err)
	}
	if resumed.State != storage.StateCompleted || !resumed.NextFireAt.IsZero() {
		t.Fatalf("want completed with zero next, got %+v", resumed)
	}
}

func TestEditSchedule(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h", Payload: "old",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	firstNext := sc.NextFireAt

	// Payload-only edits never move the timing.
	edited, err := svc.EditSchedule(ctx, sc.ID, EditFields{Payload: strPtr("new")})
	if err != nil {
		t.Fatalf("EditSchedule: %v", err)
	}
	if edited.Payload != "new" || !edited.NextFireAt.Equal(firstNext) {
		t.Fatalf("payload edit moved timing: %+v", edited)
	}
	if edited.Version != sc.Version+1 {
		t.Fatalf("version = %d, want %d", edited.Version, sc.Version+1)
	}

	// Trigger edits recompute from now.
	edited, err = svc.EditSchedule(ctx, sc.ID, EditFields{TriggerSpec: strPtr("30m")})
	if err != nil {
		t.Fatalf("EditSchedule: %v", err)
	}
	if want := base.Add(30 * time.Minute); !edited.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", edited.NextFireAt, want)
	}

	// Malformed trigger is rejected without committing anything.
	if _, err := svc.EditSchedule(ctx, sc.ID, EditFields{TriggerSpec: strPtr("nope")}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("want ErrInvalidTrigger, got %v", err)
	}

	if err := svc.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := svc.EditSchedule(ctx, sc.ID, EditFields{Payload: strPtr("x")}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("edit deleted: want ErrInvalidState, got %v", err)
	}
	if err := svc.DeleteSchedule(ctx, sc.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double delete: want ErrInvalidState, got %v", err)
	}
}

func TestEditAbsoluteToPastCompletes(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	sc, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindAbsolute, TriggerSpec: "2026-01-15T13:00", Payload: "p",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	edited, err := svc.EditSchedule(ctx, sc.ID, EditFields{TriggerSpec: strPtr("2026-01-15T11:00")})
	if err != nil {
		t.Fatalf("EditSchedule: %v", err)
	}
	if edited.State != storage.StateCompleted || !edited.NextFireAt.IsZero() {
		t.Fatalf("want completed, got %+v", edited)
	}
}

func TestPauseAllSchedules(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")
	seedTenant(t, svc, "other", "UTC", "")

	for i := 0; i < 3; i++ {
		if _, err := svc.CreateSchedule(ctx, CreateScheduleInput{
			TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "1h", Payload: "p",
		}); err != nil {
			t.Fatalf("CreateSchedule: %v", err)
		}
	}
	if _, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "other", Kind: trigger.KindInterval, TriggerSpec: "1h", Payload: "p",
	}); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	n, err := svc.PauseAllSchedules(ctx, "g")
	if err != nil {
		t.Fatalf("PauseAllSchedules: %v", err)
	}
	if n != 3 {
		t.Fatalf("paused %d, want 3", n)
	}

	list, err := svc.ListSchedules(ctx, "g")
	if err != nil {
		t.Fatalf("ListSchedules: %v", err)
	}
	for _, sc := range list {
		if sc.State != storage.StatePaused {
			t.Fatalf("schedule %s state = %s, want paused", sc.ID, sc.State)
		}
	}

	// Idempotent.
	n, err = svc.PauseAllSchedules(ctx, "g")
	if err != nil || n != 0 {
		t.Fatalf("second PauseAllSchedules = %d, %v; want 0, nil", n, err)
	}
}

func TestTemplates(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "channel:1")

	tpl, err := svc.CreateTemplate(ctx, CreateTemplateInput{
		TenantID:    "g",
		Name:        "standup",
		Kind:        trigger.KindInterval,
		TriggerSpec: "24h",
		Payload:     "standup time",
	})
	if err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}

	_, err = svc.CreateTemplate(ctx, CreateTemplateInput{
		TenantID: "g", Name: "standup", Kind: trigger.KindInterval, TriggerSpec: "1h",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name: want ErrConflict, got %v", err)
	}

	_, err = svc.CreateTemplate(ctx, CreateTemplateInput{
		TenantID: "g", Name: "broken", Kind: trigger.KindInterval, TriggerSpec: "nope",
	})
	if !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("bad spec: want ErrInvalidTrigger, got %v", err)
	}

	// Instantiate with a payload override; trigger comes from the template.
	sc, err := svc.InstantiateTemplate(ctx, tpl.ID, TemplateOverrides{Payload: strPtr("override")})
	if err != nil {
		t.Fatalf("InstantiateTemplate: %v", err)
	}
	if sc.Payload != "override" || sc.TriggerSpec != "24h" || sc.State != storage.StateActive {
		t.Fatalf("instantiated = %+v", sc)
	}
	if want := base.Add(24 * time.Hour); !sc.NextFireAt.Equal(want) {
		t.Fatalf("next = %v, want %v", sc.NextFireAt, want)
	}

	if _, err := svc.InstantiateTemplate(ctx, "missing", TemplateOverrides{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	if err := svc.DeleteTemplate(ctx, "g", "standup"); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	// The instantiated schedule survives its template.
	if _, err := svc.GetSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("GetSchedule after template delete: %v", err)
	}
}

func TestSetTenantTimezone(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	ctx := context.Background()
	seedTenant(t, svc, "g", "UTC", "")

	if err := svc.SetTenantTimezone(ctx, "g", "Mars/Olympus"); !errors.Is(err, ErrUnknownTimezone) {
		t.Fatalf("want ErrUnknownTimezone, got %v", err)
	}

	interval, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindInterval, TriggerSpec: "2h", Payload: "p",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	// 13:00 UTC today: an hour in the future under UTC.
	absolute, err := svc.CreateSchedule(ctx, CreateScheduleInput{
		TenantID: "g", Kind: trigger.KindAbsolute, TriggerSpec: "2026-01-15T13:00", Payload: "p",
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	// UTC+14: the same civil timestamp is 2026-01-14 23:00 UTC, long past.
	if err := svc.SetTenantTimezone(ctx, "g", "Pacific/Kiritimati"); err != nil {
		t.Fatalf("SetTenantTimezone: %v", err)
	}

	tn, err := svc.GetTenant(ctx, "g")
	if err != nil || tn.Timezone != "Pacific/Kiritimati" {
		t.Fatalf("tenant = %+v, %v", tn, err)
	}

	got, _ := svc.GetSchedule(ctx, interval.ID)
	if got.State != storage.StateActive || !got.NextFireAt.Equal(base.Add(2*time.Hour)) {
		t.Fatalf("interval schedule: %+v", got)
	}
	if got.Version != interval.Version+1 {
		t.Fatalf("interval version = %d, want bump", got.Version)
	}

	got, _ = svc.GetSchedule(ctx, absolute.ID)
	if got.State != storage.StateCompleted || !got.NextFireAt.IsZero() {
		t.Fatalf("absolute schedule should complete under the new zone: %+v", got)
	}
}
