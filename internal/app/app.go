// Package app assembles the instance: config, logging, the session
// manager, the dispatch and health ticks, the inbound handler and the
// control surface.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"wspbot/internal/bridge"
	"wspbot/internal/config"
	"wspbot/internal/dispatch"
	"wspbot/internal/health"
	"wspbot/internal/httpapi"
	"wspbot/internal/inbound"
	"wspbot/internal/runtime/sdnotify"
	"wspbot/internal/runtime/supervisor"
	"wspbot/internal/session"
	"wspbot/internal/storage"
	"wspbot/internal/transport"
	"wspbot/internal/transport/sidecar"
	"wspbot/internal/transport/telegram"
	logx "wspbot/pkg/logx"
)

const (
	defaultDailyCap  = 200
	defaultHourlyCap = 50
	defaultDelayMin  = 8 * time.Second
	defaultDelayMax  = 25 * time.Second
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	sup      *supervisor.Supervisor
	cron     *cron.Cron
	sessions *session.Manager
	ledger   storage.Store
}

// New loads and validates the config and prepares logging. Nothing is
// started yet.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("instance", cfg.Instance.ID))
	mgr.SetLogger(log.With(logx.String("comp", "config")))
	mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	return &App{cfgMgr: mgr, logSvc: logSvc, log: log}, nil
}

// Start wires every component and launches the periodic work. It
// returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	supCtx := a.sup.Context()

	ledger, err := a.openLedger(cfg)
	if err != nil {
		return err
	}
	a.ledger = ledger

	client, err := a.buildBridge(cfg)
	if err != nil {
		return err
	}

	sessions, err := a.buildSessions(cfg, client)
	if err != nil {
		return err
	}
	a.sessions = sessions
	sessions.Start(supCtx)

	window, err := a.buildWindow(ctx, cfg)
	if err != nil {
		return err
	}

	delayMin, err := config.ParseDurationOrDefault("dispatch.delay_min", cfg.Dispatch.DelayMin, defaultDelayMin)
	if err != nil {
		return err
	}
	delayMax, err := config.ParseDurationOrDefault("dispatch.delay_max", cfg.Dispatch.DelayMax, defaultDelayMax)
	if err != nil {
		return err
	}
	sender := dispatch.NewSender(a.log.With(logx.String("comp", "sender")), delayMin, delayMax)
	scheduler := dispatch.NewScheduler(
		a.log.With(logx.String("comp", "dispatch")),
		client, sessions, window, sender, ledger,
	)

	probeTimeout, err := config.ParseDurationOrDefault("health.probe_timeout", cfg.Health.ProbeTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(a.log.With(logx.String("comp", "health")), sessions, client, probeTimeout)

	if cfg.Inbound.Enabled {
		handler := inbound.NewHandler(a.log.With(logx.String("comp", "inbound")), client, sessions, cfg.Inbound)
		sessions.OnInbound(func(msg *transport.InboundMessage) {
			go handler.Handle(supCtx, msg)
		})
	}

	if err := a.startCron(supCtx, cfg, scheduler, monitor); err != nil {
		return err
	}

	api := httpapi.New(a.log.With(logx.String("comp", "httpapi")), httpapi.Config{
		Addr:    cfg.HTTP.Addr,
		Token:   cfg.HTTP.Token,
		Service: cfg.Instance.ID,
	}, sessions)
	a.sup.GoRestart("httpapi", api.Start)

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.watchConfig(window, sender)

	a.sup.Go0("session.bringup", func(ctx context.Context) {
		if _, err := sessions.Initialize(ctx); err != nil {
			a.log.Warn("initial bring-up failed", logx.Err(err))
		}
	})

	a.sup.Go0("sd.watchdog", func(ctx context.Context) {
		sdnotify.Watchdog(ctx, a.log)
	})
	sdnotify.Ready(a.log)
	a.log.Info("instance started", logx.String("driver", cfg.Transport.Driver))
	return nil
}

// Stop drains everything with a bounded grace period.
func (a *App) Stop(ctx context.Context) error {
	sdnotify.Stopping(a.log)
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	var err error
	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		err = a.sup.Stop(wctx)
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return err
}

func (a *App) openLedger(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage == nil {
		return nil, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	return storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, a.log.With(logx.String("comp", "storage")))
}

func (a *App) buildBridge(cfg *config.Config) (*bridge.Client, error) {
	timeout, err := config.ParseDurationOrDefault("bridge.timeout", cfg.Bridge.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	return bridge.New(bridge.Config{
		BaseURL:          cfg.Bridge.BaseURL,
		Token:            cfg.Bridge.Token,
		Instance:         cfg.Instance.ID,
		Timeout:          timeout,
		ReportRatePerSec: cfg.Bridge.ReportRatePerSec,
	}, a.log.With(logx.String("comp", "bridge")))
}

func (a *App) buildSessions(cfg *config.Config, reporter session.StateReporter) (*session.Manager, error) {
	scfg := session.Config{
		InstanceID: cfg.Instance.ID,
		AuthDir:    cfg.Instance.AuthDir,
	}
	var err error
	if scfg.StaggerDelay, err = config.ParseDurationOrDefault("session.stagger_delay", cfg.Session.StaggerDelay, 0); err != nil {
		return nil, err
	}
	if scfg.TeardownTimeout, err = config.ParseDurationOrDefault("session.teardown_timeout", cfg.Session.TeardownTimeout, 0); err != nil {
		return nil, err
	}
	if scfg.ReinitDelay, err = config.ParseDurationOrDefault("session.reinit_delay", cfg.Session.ReinitDelay, 0); err != nil {
		return nil, err
	}
	if scfg.DisconnectRetry, err = config.ParseDurationOrDefault("session.disconnect_retry", cfg.Session.DisconnectRetry, 0); err != nil {
		return nil, err
	}
	if scfg.InitRetry, err = config.ParseDurationOrDefault("session.init_retry", cfg.Session.InitRetry, 0); err != nil {
		return nil, err
	}
	if scfg.InitTimeout, err = config.ParseDurationOrDefault("session.init_timeout", cfg.Session.InitTimeout, 0); err != nil {
		return nil, err
	}

	factory, err := a.buildFactory(cfg)
	if err != nil {
		return nil, err
	}
	return session.NewManager(scfg, factory, reporter, a.log.With(logx.String("comp", "session"))), nil
}

func (a *App) buildFactory(cfg *config.Config) (transport.Factory, error) {
	switch cfg.Transport.Driver {
	case "sidecar":
		sc := cfg.Transport.Sidecar
		if sc == nil {
			return nil, fmt.Errorf("transport.sidecar is required for the sidecar driver")
		}
		ecfg := sidecar.Config{
			Command:    sc.Command,
			Args:       sc.Args,
			AuthDir:    cfg.Instance.AuthDir,
			InstanceID: cfg.Instance.ID,
		}
		elog := a.log.With(logx.String("comp", "engine"))
		return func() (transport.Engine, error) {
			return sidecar.New(ecfg, elog)
		}, nil
	case "telegram":
		tc := cfg.Transport.Telegram
		if tc == nil {
			return nil, fmt.Errorf("transport.telegram is required for the telegram driver")
		}
		poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", tc.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		ecfg := telegram.Config{Token: tc.Token, PollTimeout: poll}
		elog := a.log.With(logx.String("comp", "engine"))
		return func() (transport.Engine, error) {
			return telegram.New(ecfg, elog)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport driver: %q", cfg.Transport.Driver)
	}
}

func (a *App) buildWindow(ctx context.Context, cfg *config.Config) (*dispatch.RateWindow, error) {
	start, end, err := cfg.Dispatch.AllowedHours()
	if err != nil {
		return nil, err
	}
	dailyCap := cfg.Dispatch.DailyCap
	if dailyCap <= 0 {
		dailyCap = defaultDailyCap
	}
	hourlyCap := cfg.Dispatch.HourlyCap
	if hourlyCap <= 0 {
		hourlyCap = defaultHourlyCap
	}
	window := dispatch.NewRateWindow(dailyCap, hourlyCap, start, end)

	if a.ledger != nil {
		day, sent, err := a.ledger.LoadCounter(ctx)
		if err != nil {
			a.log.Warn("counter restore failed", logx.Err(err))
		} else if day != "" {
			window.Restore(day, sent, time.Now())
		}
	}
	return window, nil
}

func (a *App) startCron(ctx context.Context, cfg *config.Config, scheduler *dispatch.Scheduler, monitor *health.Monitor) error {
	dispatchPeriod, err := config.ParseDurationOrDefault("dispatch.period", cfg.Dispatch.Period, time.Minute)
	if err != nil {
		return err
	}
	healthPeriod, err := config.ParseDurationOrDefault("health.period", cfg.Health.Period, time.Minute)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc("@every "+dispatchPeriod.String(), func() {
		scheduler.RunCycle(ctx)
	}); err != nil {
		return fmt.Errorf("schedule dispatch: %w", err)
	}
	if _, err := a.cron.AddFunc("@every "+healthPeriod.String(), func() {
		monitor.Tick(ctx)
	}); err != nil {
		return fmt.Errorf("schedule health: %w", err)
	}
	a.cron.Start()
	return nil
}

// watchConfig applies live-tunable settings: logging, the rate window
// limits and the anti-ban delays. Transport, bridge and session wiring
// require a restart; the validator already rejected configs that would
// not boot.
func (a *App) watchConfig(window *dispatch.RateWindow, sender *dispatch.Sender) {
	updates := a.cfgMgr.Subscribe(1)
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
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.retuneDispatch(cfg, window, sender)
				a.log.Info("config reloaded", logx.String("level", cfg.Logging.Level))
			}
		}
	})
}

// retuneDispatch pushes the dispatch limits of a committed config into
// the running window and sender. The validator already vetted the
// values, so parse failures here only mean "keep the old tuning".
func (a *App) retuneDispatch(cfg *config.Config, window *dispatch.RateWindow, sender *dispatch.Sender) {
	start, end, err := cfg.Dispatch.AllowedHours()
	if err != nil {
		a.log.Warn("dispatch retune skipped", logx.Err(err))
		return
	}
	dailyCap := cfg.Dispatch.DailyCap
	if dailyCap <= 0 {
		dailyCap = defaultDailyCap
	}
	hourlyCap := cfg.Dispatch.HourlyCap
	if hourlyCap <= 0 {
		hourlyCap = defaultHourlyCap
	}
	window.Retune(dailyCap, hourlyCap, start, end)

	delayMin, err := config.ParseDurationOrDefault("dispatch.delay_min", cfg.Dispatch.DelayMin, defaultDelayMin)
	if err != nil {
		a.log.Warn("dispatch retune skipped", logx.Err(err))
		return
	}
	delayMax, err := config.ParseDurationOrDefault("dispatch.delay_max", cfg.Dispatch.DelayMax, defaultDelayMax)
	if err != nil {
		a.log.Warn("dispatch retune skipped", logx.Err(err))
		return
	}
	sender.SetDelays(delayMin, delayMax)

	a.log.Info("dispatch limits retuned",
		logx.Int("daily_cap", dailyCap),
		logx.Int("hourly_cap", hourlyCap),
		logx.Int("start_hour", start),
		logx.Int("end_hour", end),
		logx.Duration("delay_min", delayMin),
		logx.Duration("delay_max", delayMax))
}
