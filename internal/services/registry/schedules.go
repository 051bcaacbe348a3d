package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pingur/internal/storage"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

// CreateScheduleInput carries everything needed to create a schedule.
// Destination is optional; empty means "use the tenant default at dispatch
// time".
type CreateScheduleInput struct {
	TenantID    string
	Kind        trigger.Kind
	TriggerSpec string
	Payload     string
	Destination string
}

// CreateSchedule validates the trigger against the tenant's timezone,
// computes the first fire instant, and persists the schedule.
//
// An absolute trigger whose timestamp is already in the past yields a
// schedule born completed: it is recorded but never fires.
func (s *Service) CreateSchedule(ctx context.Context, in CreateScheduleInput) (storage.Schedule, error) {
	spec, err := trigger.Parse(in.Kind, in.TriggerSpec)
	if err != nil {
		return storage.Schedule{}, err
	}
	tenant, err := s.store.GetTenant(ctx, in.TenantID)
	if err != nil {
		return storage.Schedule{}, fmt.Errorf("tenant %s: %w", in.TenantID, err)
	}
	loc, err := trigger.LoadLocation(tenant.Timezone)
	if err != nil {
		return storage.Schedule{}, err
	}

	now := s.now()
	sc := storage.Schedule{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		Kind:        spec.Kind,
		TriggerSpec: spec.Raw,
		Payload:     in.Payload,
		Destination: strings.TrimSpace(in.Destination),
		State:       storage.StateActive,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	next, err := trigger.Resolve(spec, loc, now)
	switch {
	case err == nil:
		sc.NextFireAt = next
	case errors.Is(err, trigger.ErrExhausted):
		sc.State = storage.StateCompleted
	default:
		return storage.Schedule{}, err
	}

	if err := s.store.CreateSchedule(ctx, &sc); err != nil {
		return storage.Schedule{}, err
	}

	s.log.Info("schedule created",
		logx.String("tenant", sc.TenantID),
		logx.String("schedule", sc.ID),
		logx.String("kind", string(sc.Kind)),
		logx.String("state", string(sc.State)),
		logx.Time("next", sc.NextFireAt))
	s.audit(ctx, "created", sc, sc.TriggerSpec, nil)
	s.publish("schedule.created", sc)
	return sc, nil
}

// EditFields is a partial update; nil means "leave unchanged".
type EditFields struct {
	TriggerSpec *string
	Payload     *string
	Destination *string
}

// EditSchedule mutates an active or paused schedule. Changing the trigger
// recomputes next_fire_at from now (preserving the paused state if paused);
// payload/destination changes leave the timing untouched. Editing an
// absolute trigger to a past timestamp completes the schedule without
// firing, same as creation would.
func (s *Service) EditSchedule(ctx context.Context, id string, fields EditFields) (storage.Schedule, error) {
	return s.mutate(ctx, id, func(cur storage.Schedule) (storage.Schedule, error) {
		if cur.State != storage.StateActive && cur.State != storage.StatePaused {
			return storage.Schedule{}, fmt.Errorf("edit schedule %s (%s): %w", id, cur.State, ErrInvalidState)
		}
		upd := cur
		if fields.Payload != nil {
			upd.Payload = *fields.Payload
		}
		if fields.Destination != nil {
			upd.Destination = strings.TrimSpace(*fields.Destination)
		}
		if fields.TriggerSpec != nil {
			spec, err := trigger.Parse(cur.Kind, *fields.TriggerSpec)
			if err != nil {
				return storage.Schedule{}, err
			}
			upd.TriggerSpec = spec.Raw

			tenant, err := s.store.GetTenant(ctx, cur.TenantID)
			if err != nil {
				return storage.Schedule{}, err
			}
			loc, err := trigger.LoadLocation(tenant.Timezone)
			if err != nil {
				return storage.Schedule{}, err
			}
			next, err := trigger.Resolve(spec, loc, s.now())
			switch {
			case err == nil:
				upd.NextFireAt = next
			case errors.Is(err, trigger.ErrExhausted):
				upd.State = storage.StateCompleted
				upd.NextFireAt = time.Time{}
			default:
				return storage.Schedule{}, err
			}
		}
		return upd, nil
	}, "edited", "schedule.edited")
}

// PauseSchedule freezes an active schedule. The stale next_fire_at stays on
// the row but paused schedules never match the due-scan.
func (s *Service) PauseSchedule(ctx context.Context, id string) (storage.Schedule, error) {
	return s.mutate(ctx, id, func(cur storage.Schedule) (storage.Schedule, error) {
		if cur.State != storage.StateActive {
			return storage.Schedule{}, fmt.Errorf("pause schedule %s (%s): %w", id, cur.State, ErrInvalidState)
		}
		upd := cur
		upd.State = storage.StatePaused
		return upd, nil
	}, "paused", "schedule.paused")
}

// ResumeSchedule reactivates a paused schedule, recomputing next_fire_at
// from now. Occurrences that fell inside the pause window are skipped, not
// replayed. A paused absolute reminder whose time has passed completes
// instead of firing.
func (s *Service) ResumeSchedule(ctx context.Context, id string) (storage.Schedule, error) {
	return s.mutate(ctx, id, func(cur storage.Schedule) (storage.Schedule, error) {
		if cur.State != storage.StatePaused {
			return storage.Schedule{}, fmt.Errorf("resume schedule %s (%s): %w", id, cur.State, ErrInvalidState)
		}
		tenant, err := s.store.GetTenant(ctx, cur.TenantID)
		if err != nil {
			return storage.Schedule{}, err
		}
		loc, err := trigger.LoadLocation(tenant.Timezone)
		if err != nil {
			return storage.Schedule{}, err
		}

		upd := cur
		next, err := trigger.Resolve(trigger.Spec{Kind: cur.Kind, Raw: cur.TriggerSpec}, loc, s.now())
		switch {
		case err == nil:
			upd.State = storage.StateActive
			upd.NextFireAt = next
		case errors.Is(err, trigger.ErrExhausted):
			upd.State = storage.StateCompleted
			upd.NextFireAt = time.Time{}
		default:
			return storage.Schedule{}, err
		}
		return upd, nil
	}, "resumed", "schedule.resumed")
}

// DeleteSchedule soft-deletes an active or paused schedule. The row survives
// for audit until housekeeping prunes it.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, func(cur storage.Schedule) (storage.Schedule, error) {
		if cur.State != storage.StateActive && cur.State != storage.StatePaused {
			return storage.Schedule{}, fmt.Errorf("delete schedule %s (%s): %w", id, cur.State, ErrInvalidState)
		}
		upd := cur
		upd.State = storage.StateDeleted
		upd.NextFireAt = time.Time{}
		return upd, nil
	}, "deleted", "schedule.deleted")
	return err
}

// PauseAllSchedules pauses every active schedule of a tenant in one statement
// and returns how many were affected. Zero affected is a success.
func (s *Service) PauseAllSchedules(ctx context.Context, tenantID string) (int64, error) {
	n, err := s.store.PauseAll(ctx, tenantID, s.now())
	if err != nil {
		return 0, err
	}
	s.log.Info("paused all schedules", logx.String("tenant", tenantID), logx.Int64("count", n))
	s.audit(ctx, "paused_all", storage.Schedule{TenantID: tenantID}, fmt.Sprintf("%d schedules", n), nil)
	return n, nil
}

// GetSchedule returns one schedule by id, including completed/deleted rows.
func (s *Service) GetSchedule(ctx context.Context, id string) (storage.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns a tenant's schedules in creation order. Deleted
// schedules are excluded; completed ones are listed so one-off reminders
// remain inspectable after they fire.
func (s *Service) ListSchedules(ctx context.Context, tenantID string) ([]storage.Schedule, error) {
	return s.store.ListSchedules(ctx, tenantID)
}
