package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"pingur/internal/storage"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

// SetTenantTimezone validates the zone and recomputes next_fire_at for every
// active schedule of the tenant under the new zone, committing the tenant
// record and the recomputed fire times in one transaction.
//
// An active absolute reminder whose civil timestamp lands in the past under
// the new zone completes instead of firing.
func (s *Service) SetTenantTimezone(ctx context.Context, tenantID, zone string) error {
	zone = strings.TrimSpace(zone)
	loc, err := trigger.LoadLocation(zone)
	if err != nil {
		return err
	}

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		tenant = storage.Tenant{ID: tenantID, CreatedAt: s.now()}
	} else if err != nil {
		return err
	}
	tenant.Timezone = zone
	tenant.UpdatedAt = s.now()

	schedules, err := s.store.ListSchedules(ctx, tenantID)
	if err != nil {
		return err
	}

	now := s.now()
	nextFires := make(map[string]time.Time)
	for _, sc := range schedules {
		if sc.State != storage.StateActive {
			continue
		}
		next, err := trigger.Resolve(trigger.Spec{Kind: sc.Kind, Raw: sc.TriggerSpec}, loc, now)
		switch {
		case err == nil:
			nextFires[sc.ID] = next
		case errors.Is(err, trigger.ErrExhausted):
			// Reinterpreted under the new zone the reminder is already in
			// the past; complete it rather than fire stale.
			if _, cerr := s.mutate(ctx, sc.ID, func(cur storage.Schedule) (storage.Schedule, error) {
				if cur.State != storage.StateActive {
					return storage.Schedule{}, ErrInvalidState
				}
				upd := cur
				upd.State = storage.StateCompleted
				upd.NextFireAt = time.Time{}
				return upd, nil
			}, "completed", "schedule.completed"); cerr != nil && !errors.Is(cerr, ErrInvalidState) {
				return cerr
			}
		default:
			return err
		}
	}

	if err := s.store.ApplyTimezoneChange(ctx, tenant, nextFires); err != nil {
		return err
	}
	s.log.Info("tenant timezone set",
		logx.String("tenant", tenantID),
		logx.String("zone", zone),
		logx.Int("recomputed", len(nextFires)))
	s.audit(ctx, "timezone_set", storage.Schedule{TenantID: tenantID}, zone, nil)
	return nil
}

// SetTenantDestination sets the tenant's default delivery destination,
// creating the tenant on first use. The string is stored as given and
// validated by the delivery adapter at send time.
func (s *Service) SetTenantDestination(ctx context.Context, tenantID, destination string) error {
	destination = strings.TrimSpace(destination)

	tenant, err := s.store.GetTenant(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		tenant = storage.Tenant{ID: tenantID, CreatedAt: s.now()}
	} else if err != nil {
		return err
	}
	tenant.Destination = destination
	tenant.UpdatedAt = s.now()

	if err := s.store.UpsertTenant(ctx, tenant); err != nil {
		return err
	}
	s.log.Info("tenant destination set",
		logx.String("tenant", tenantID),
		logx.String("destination", destination))
	s.audit(ctx, "destination_set", storage.Schedule{TenantID: tenantID}, destination, nil)
	return nil
}

// GetTenant returns the tenant record.
func (s *Service) GetTenant(ctx context.Context, tenantID string) (storage.Tenant, error) {
	return s.store.GetTenant(ctx, tenantID)
}
