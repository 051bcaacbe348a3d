package registry

import (
	"context"
	"fmt"
	"time"

	"pingur/internal/eventbus"
	"pingur/internal/storage"
	logx "pingur/pkg/logx"
)

// Service implements the schedule, template, and tenant operations on top of
// the store. It is safe for concurrent use; all coordination happens through
// the store's compare-and-commit primitive, never in memory.
type Service struct {
	store storage.Store
	log   logx.Logger
	bus   eventbus.Bus

	// now is swappable in tests.
	now func() time.Time
}

func New(store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		log:   log.With(logx.String("svc", "registry")),
		bus:   bus,
		now:   time.Now,
	}
}

// casAttempts bounds the read-modify-commit retry loop. Races on a single
// schedule are rare (one dispatcher, few operators), so losing this many in a
// row means something is systematically wrong.
const casAttempts = 3

// mutate runs a read-modify-commit cycle on one schedule. fn receives the
// current row and returns the desired row; version bookkeeping, audit, and
// event publication on success are handled here. fn must not mutate Version.
func (s *Service) mutate(ctx context.Context, id string, fn func(storage.Schedule) (storage.Schedule, error), action, eventType string) (storage.Schedule, error) {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := s.store.GetSchedule(ctx, id)
		if err != nil {
			return storage.Schedule{}, err
		}
		upd, err := fn(cur)
		if err != nil {
			return storage.Schedule{}, err
		}
		upd.UpdatedAt = s.now()

		ok, err := s.store.UpdateScheduleCAS(ctx, upd, cur.Version, cur.State)
		if err != nil {
			return storage.Schedule{}, err
		}
		if ok {
			upd.Version = cur.Version + 1
			s.log.Info("schedule "+action,
				logx.String("tenant", upd.TenantID),
				logx.String("schedule", upd.ID),
				logx.String("state", string(upd.State)))
			s.audit(ctx, action, upd, "", nil)
			s.publish(eventType, upd)
			return upd, nil
		}
		lastErr = fmt.Errorf("schedule %s: lost update race", id)
	}
	return storage.Schedule{}, lastErr
}

// audit records an engine action, best effort: a failed audit write is logged
// and never fails the operation it describes.
func (s *Service) audit(ctx context.Context, action string, sc storage.Schedule, detail string, opErr error) {
	e := storage.AuditEntry{
		At:         s.now(),
		TenantID:   sc.TenantID,
		ScheduleID: sc.ID,
		Action:     action,
		Detail:     detail,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, sc storage.Schedule) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: map[string]string{
		"tenant":   sc.TenantID,
		"schedule": sc.ID,
		"state":    string(sc.State),
	}})
}
