package app

import (
	"context"
	"strings"
	"time"

	"acqd/internal/config"
	"acqd/internal/observability/pprof"
	"acqd/internal/schedule"
	logx "acqd/pkg/logx"
)

// applyConfig pushes a validated config into the running components. Each
// section is applied independently so one failure keeps the rest live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, schedChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(schedChanged) > 0 {
		a.log.Debug("schedule changes detected", logx.Any("schedules", schedChanged))
	}

	for _, s := range sections {
		if config.RestartSections[s] {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	// Sink before Apply so forwarding never runs without a destination.
	if err := a.applyAlerts(newCfg.Alerts.Telegram); err != nil {
		a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
	}
	a.logs.Apply(mapLoggingConfig(newCfg))

	a.actions.SetTickInterval(newCfg.Dispatcher.EffectiveTickInterval())
	a.actions.SetHistorySize(newCfg.Dispatcher.EffectiveHistorySize())

	a.watchdog.SetPeriod(newCfg.Watchdog.EffectivePeriod())
	switch was, now := oldCfg.Watchdog.IsEnabled(), newCfg.Watchdog.IsEnabled(); {
	case was && !now:
		a.log.Warn("watchdog disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_ = a.watchdog.Stop(stopCtx)
		cancel()
	case !was && now:
		a.log.Info("watchdog enabled via config")
		a.watchdog.Start(ctx)
	}

	if entries, err := schedule.EntriesFromConfig(newCfg.Schedules); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(entries); err != nil {
		a.log.Warn("schedule apply failed", logx.Err(err))
	}

	a.api.Apply(ctx, newCfg.HTTP)
	if err := a.pprof.Reconfigure(ctx, pprof.FromConfig(newCfg.Pprof)); err != nil {
		a.log.Warn("pprof stopped", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}
