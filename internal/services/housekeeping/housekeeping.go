// Package housekeeping runs the retention sweeps: terminal schedules and
// audit entries older than the retention window are hard-removed on a cron
// cadence.
package housekeeping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pingur/internal/storage"
	logx "pingur/pkg/logx"
)

type Config struct {
	Enabled   bool
	Schedule  string        // cron spec; default "0 4 * * *" (daily, 04:00 UTC)
	Retention time.Duration // how long terminal rows and audit entries survive; default 30 days
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = "0 4 * * *"
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger

	c *cron.Cron

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("svc", "housekeeping")),
		now:   time.Now,
	}
}

// Start registers the sweep and starts the cron runner. Disabled means a
// clean no-op Start/Stop pair.
func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.log.Info("housekeeping disabled")
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s.c = cron.New(cron.WithParser(parser))
	if _, err := s.c.AddFunc(s.cfg.Schedule, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("housekeeping schedule %q: %w", s.cfg.Schedule, err)
	}
	s.c.Start()
	s.log.Info("housekeeping started",
		logx.String("schedule", s.cfg.Schedule),
		logx.Duration("retention", s.cfg.Retention))
	return nil
}

func (s *Service) Stop() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	s.log.Info("housekeeping stopped")
}

// Sweep prunes everything past the retention cutoff. Exported so an operator
// command can trigger it outside the cron cadence.
func (s *Service) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Retention)

	schedules, err := s.store.PruneSchedules(ctx, cutoff)
	if err != nil {
		s.log.Error("schedule prune failed", logx.Err(err))
	}
	audits, err := s.store.PruneAudit(ctx, cutoff)
	if err != nil {
		s.log.Error("audit prune failed", logx.Err(err))
	}

	s.log.Info("retention sweep done",
		logx.Time("cutoff", cutoff),
		logx.Int64("schedules_removed", schedules),
		logx.Int64("audit_removed", audits))
}
