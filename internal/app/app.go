package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"acqd/internal/action"
	"acqd/internal/alert/telegram"
	"acqd/internal/config"
	"acqd/internal/eventbus"
	"acqd/internal/instrument/sim"
	"acqd/internal/observability/pprof"
	rtsup "acqd/internal/runtime/supervisor"
	"acqd/internal/schedule"
	"acqd/internal/storage"
	"acqd/internal/transport/httpapi"
	logx "acqd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	scope    *sim.Microscope
	actions  *action.Service
	watchdog *action.Watchdog
	sched    *schedule.Service

	store    storage.Store
	recorder *storage.Recorder

	api   *httpapi.Service
	pprof *pprof.Service
	sd    sdNotifier

	alertMu sync.Mutex
	alerts  config.TelegramAlerts
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm: cfgm,
		log:  log,
		logs: logs,
		bus:  eventbus.New(),
		sd:   sdNotifier{log: log.With(logx.String("comp", "systemd"))},
	}
	if err := a.applyAlerts(cfg.Alerts.Telegram); err != nil {
		_ = logs.Close()
		return nil, err
	}

	simCfg, err := mapSimConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	a.scope = sim.New(simCfg)
	ns, err := a.scope.Namespace()
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("instrument namespace: %w", err)
	}

	a.actions = action.New(ns,
		action.WithLogger(log),
		action.WithBus(a.bus),
		action.WithHistorySize(cfg.Dispatcher.EffectiveHistorySize()),
	)
	a.actions.SetTickInterval(cfg.Dispatcher.EffectiveTickInterval())
	a.watchdog = action.NewWatchdog(a.actions, a.scope.TurnAllLasersOff, cfg.Watchdog.EffectivePeriod(), log)

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, a.bus, log)
	}

	a.sched = schedule.New(a.actions, log)
	entries, err := schedule.EntriesFromConfig(cfg.Schedules)
	if err == nil {
		err = a.sched.Apply(entries)
	}
	if err != nil {
		a.closeStore()
		_ = logs.Close()
		return nil, err
	}

	opts := []httpapi.Option{
		httpapi.WithSchedules(a.sched),
		httpapi.WithMaxBodyBytes(cfg.HTTP.EffectiveMaxBody()),
	}
	// A nil Store must not become a non-nil OutcomeReader.
	if a.store != nil {
		opts = append(opts, httpapi.WithOutcomes(a.store))
	}
	a.api = httpapi.NewService(httpapi.New(a.actions, log, opts...), log)
	a.pprof = pprof.New(log)
	return a, nil
}

// Actions exposes the action manager to in-process callers.
func (a *App) Actions() *action.Service { return a.actions }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.sup.GoRestart("dispatcher", func(c context.Context) error {
		return a.actions.Run(c, a.actions.TickInterval())
	}, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))

	if cfg.Watchdog.IsEnabled() {
		a.watchdog.Start(a.sup.Context())
	} else {
		a.log.Warn("watchdog disabled via config")
	}

	if a.recorder != nil {
		a.sup.GoRestart("storage.recorder", a.recorder.Run)
	}

	a.sched.Start(a.sup.Context())
	a.api.Apply(a.sup.Context(), cfg.HTTP)
	if err := a.pprof.Reconfigure(a.sup.Context(), pprof.FromConfig(cfg.Pprof)); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	// Debug trail of manager events; the recorder has its own subscription.
	events, unsub := a.bus.Subscribe(128, "action.", "scheduler.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.keepAlive)

	a.sd.Ready()
	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Reload re-reads the config file; the reload goroutine applies the result.
// An unchanged file is not an error.
func (a *App) Reload(ctx context.Context) error {
	a.sd.Reloading()
	defer a.sd.Ready()
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reload requested (no changes)")
		return nil
	}
	return err
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.sd.Stopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first so nothing new arrives while the rest unwinds.
	step("httpapi", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("watchdog", 2*time.Second, a.watchdog.Stop)
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	// The dispatcher has stopped ticking; leave the hardware dark.
	step("instrument.safe", 2*time.Second, a.scope.TurnAllLasersOff)

	// Wait for supervised goroutines (dispatcher, recorder, config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.recorder != nil {
			a.recorder.Close()
		}
		a.closeStore()
		return nil
	})

	a.log.Info("stopped", logx.Uint64("alerts_dropped", a.logs.AlertsDropped()))
	_ = a.logs.Close()
	return a.sup.Err()
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close failed", logx.Err(err))
	}
}

// applyAlerts installs or clears the Telegram alert sink. Unchanged settings
// keep the current sink.
func (a *App) applyAlerts(tc config.TelegramAlerts) error {
	a.alertMu.Lock()
	defer a.alertMu.Unlock()
	if tc == a.alerts {
		return nil
	}
	if !tc.Enabled {
		a.logs.SetAlertSink(nil)
		a.alerts = tc
		return nil
	}
	sink, err := telegram.New(telegram.FromConfig(tc))
	if err != nil {
		return fmt.Errorf("alerts.telegram: %w", err)
	}
	a.logs.SetAlertSink(sink)
	a.alerts = tc
	return nil
}
