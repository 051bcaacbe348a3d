package dispatch

import (
	"context"
	"sync"
	"time"

	"pingur/internal/eventbus"
	"pingur/internal/storage"
	"pingur/internal/transport"
	"pingur/internal/trigger"
	logx "pingur/pkg/logx"
)

type Config struct {
	Enabled    bool
	Cadence    time.Duration // scan period; default 15s
	BatchLimit int           // max schedules claimed per cycle; default 100
}

func (c Config) withDefaults() Config {
	if c.Cadence <= 0 {
		c.Cadence = 15 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 100
	}
	return c
}

// Service is the dispatcher. One Run loop per process; correctness does not
// depend on that, only efficiency.
type Service struct {
	store storage.Store
	sink  transport.Sink
	bus   eventbus.Bus
	log   logx.Logger

	mu  sync.Mutex
	cfg Config

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, sink transport.Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store: store,
		sink:  sink,
		bus:   bus,
		log:   log.With(logx.String("svc", "dispatch")),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// Apply swaps the cadence/batch settings; it takes effect on the next tick.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Run scans until ctx is done. The first scan happens immediately.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.config()
	s.log.Info("dispatcher started",
		logx.Duration("cadence", cfg.Cadence),
		logx.Int("batch_limit", cfg.BatchLimit))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("dispatcher stopped")
			return nil
		case <-timer.C:
		}

		s.Cycle(ctx)
		timer.Reset(s.config().Cadence)
	}
}

// Cycle performs one due-scan pass. Exported so tests and operator commands
// can force a pass without waiting out the cadence.
func (s *Service) Cycle(ctx context.Context) {
	cfg := s.config()
	now := s.now()

	due, err := s.store.DueSchedules(ctx, now, cfg.BatchLimit)
	if err != nil {
		s.log.Error("due-scan failed", logx.Err(err))
		return
	}
	for _, sc := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatchOne(ctx, now, sc)
	}
}

// dispatchOne claims one due schedule and, if the claim wins, emits its
// delivery. Claim and advance are a single commit: the occurrence is consumed
// before the sink is called, so a sink failure never causes a duplicate.
func (s *Service) dispatchOne(ctx context.Context, now time.Time, sc storage.Schedule) {
	log := s.log.With(
		logx.String("tenant", sc.TenantID),
		logx.String("schedule", sc.ID))

	tenant, err := s.store.GetTenant(ctx, sc.TenantID)
	if err != nil {
		log.Error("tenant lookup failed, skipping", logx.Err(err))
		return
	}
	loc, err := trigger.LoadLocation(tenant.Timezone)
	if err != nil {
		// Left due; retried next cycle in case the zone database recovers.
		log.Error("tenant timezone unusable, skipping", logx.Err(err))
		return
	}

	upd := sc
	upd.UpdatedAt = now
	switch sc.Kind {
	case trigger.KindAbsolute:
		upd.State = storage.StateCompleted
		upd.NextFireAt = time.Time{}
	default:
		spec := trigger.Spec{Kind: sc.Kind, Raw: sc.TriggerSpec}
		next, err := trigger.Resolve(spec, loc, sc.NextFireAt)
		if err == nil && !next.After(now) {
			// The engine was down past at least one occurrence. Occurrences
			// are not replayed: deliver once and re-anchor on now.
			next, err = trigger.Resolve(spec, loc, now)
		}
		if err != nil {
			// Unresolvable spec in storage. Complete it so it cannot wedge
			// the due-scan; the audit trail keeps the reason.
			log.Error("trigger unresolvable, completing schedule", logx.Err(err))
			s.audit(ctx, "completed", sc, "unresolvable trigger", err)
			upd.State = storage.StateCompleted
			upd.NextFireAt = time.Time{}
		} else {
			upd.NextFireAt = next
		}
	}

	ok, err := s.store.UpdateScheduleCAS(ctx, upd, sc.Version, storage.StateActive)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return
	}
	if !ok {
		// Someone else claimed it, or an operator mutated it mid-scan.
		log.Debug("lost claim, skipping")
		return
	}

	dest := sc.Destination
	if dest == "" {
		dest = tenant.Destination
	}
	if dest == "" {
		// The occurrence is already consumed; record why nothing went out.
		log.Warn("no destination configured, occurrence dropped")
		s.audit(ctx, "delivery_failed", sc, "no destination configured", nil)
		s.publish("delivery.failed", sc)
		return
	}

	d := transport.Delivery{TenantID: sc.TenantID, Destination: dest, Payload: sc.Payload}
	if err := s.sink.Deliver(ctx, d); err != nil {
		log.Error("delivery failed", logx.String("destination", dest), logx.Err(err))
		s.audit(ctx, "delivery_failed", sc, dest, err)
		s.publish("delivery.failed", sc)
		return
	}

	log.Info("fired",
		logx.String("destination", dest),
		logx.Time("next", upd.NextFireAt),
		logx.String("state", string(upd.State)))
	s.audit(ctx, "fired", sc, dest, nil)
	s.publish("schedule.fired", upd)
}

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
