// Package app wires the engine together: config, logging, storage, the
// schedule registry, the dispatcher, and housekeeping, under one supervisor.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pingur/internal/config"
	"pingur/internal/eventbus"
	"pingur/internal/runtime/supervisor"
	"pingur/internal/services/dispatch"
	"pingur/internal/services/housekeeping"
	"pingur/internal/services/registry"
	"pingur/internal/storage"
	"pingur/internal/transport"
	"pingur/internal/transport/discord"
	logx "pingur/pkg/logx"
)

type App struct {
	cfgMgr *config.ConfigManager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	bus   eventbus.Bus

	registry    *registry.Service
	dispatcher  *dispatch.Service
	housekeeper *housekeeping.Service

	dispatchEnabled bool

	sup *supervisor.Supervisor
}

// New loads the config and constructs every component. Nothing runs until
// Start.
func New(configPath string) (*App, error) {
	mgr := config.NewConfigManager(configPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)
	mgr.SetValidator(validate)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()

	sink, err := buildSink(cfg.Discord, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dispatchCfg, err := dispatchConfig(cfg.Dispatcher)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	hkCfg, err := housekeepingConfig(cfg.Housekeeping)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgMgr:          mgr,
		logSvc:          logSvc,
		log:             log,
		store:           store,
		bus:             bus,
		registry:        registry.New(store, log, bus),
		dispatcher:      dispatch.New(dispatchCfg, store, sink, bus, log),
		housekeeper:     housekeeping.New(hkCfg, store, log),
		dispatchEnabled: dispatchCfg.Enabled,
	}, nil
}

// Registry exposes the schedule/template/tenant operations to callers
// embedding the engine (command surfaces, admin tooling).
func (a *App) Registry() *registry.Service { return a.registry }

// Start launches the dispatcher, housekeeping, config watcher, and the event
// observer. It returns immediately; use Stop to tear down.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if a.dispatchEnabled {
		a.sup.GoRestart("dispatch", a.dispatcher.Run, 500*time.Millisecond, 30*time.Second)
	} else {
		a.log.Warn("dispatcher disabled; schedules will accumulate without firing")
	}

	if err := a.housekeeper.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("config.watch", a.cfgMgr.Watch)

	updates := a.cfgMgr.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	events, unsub := a.bus.Subscribe(64)
	a.sup.Go0("events.observe", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.log.Info("engine started")
	return nil
}

// Stop tears everything down, waiting up to ctx for goroutines to exit.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.housekeeper.Stop()
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	a.log.Info("engine stopped")
	_ = a.logSvc.Close()
	return err
}

// applyConfig handles a hot reload. Logging and dispatcher settings apply
// live; storage and discord changes need a restart and are called out.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	dispatchCfg, err := dispatchConfig(cfg.Dispatcher)
	if err != nil {
		// validate() runs before publish, so this should not happen.
		a.log.Warn("dispatcher config not applied", logx.Err(err))
		return
	}
	a.dispatcher.Apply(dispatchCfg)
	if dispatchCfg.Enabled != a.dispatchEnabled {
		a.log.Warn("dispatcher.enabled change requires restart")
	}
	a.log.Info("config reloaded")
}

// buildSink picks the delivery adapter. Without a token deliveries go to the
// log only, which keeps local development working end to end.
func buildSink(cfg config.DiscordConfig, log logx.Logger) (transport.Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		log.Warn("discord token not set; deliveries will only be logged")
		return transport.SinkFunc(func(_ context.Context, d transport.Delivery) error {
			log.Info("delivery (log sink)",
				logx.String("tenant", d.TenantID),
				logx.String("destination", d.Destination),
				logx.String("payload", d.Payload))
			return nil
		}), nil
	}
	return discord.New(discord.Config{Token: cfg.Token, RatePerSec: cfg.RatePerSec}, log)
}

func dispatchConfig(c config.DispatcherConfig) (dispatch.Config, error) {
	cadence, err := config.ParseDurationOrDefault("dispatcher.cadence", c.Cadence, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		Enabled:    c.Enabled,
		Cadence:    cadence,
		BatchLimit: c.BatchLimit,
	}, nil
}

func housekeepingConfig(c config.HousekeepingConfig) (housekeeping.Config, error) {
	retention, err := config.ParseDurationOrDefault("housekeeping.retention", c.Retention, 30*24*time.Hour)
	if err != nil {
		return housekeeping.Config{}, err
	}
	return housekeeping.Config{
		Enabled:   c.Enabled,
		Schedule:  c.Schedule,
		Retention: retention,
	}, nil
}

// validate rejects configs that would wedge the engine if committed.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("dispatcher.cadence", cfg.Dispatcher.Cadence); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("housekeeping.retention", cfg.Housekeeping.Retention); err != nil {
		return err
	}
	return nil
}
