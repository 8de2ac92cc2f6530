package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	logx "acqd/pkg/logx"
)

// Validate performs the static checks that need no other package. Callers add
// their own (e.g. schedule spec parsing) through ConfigManager.SetValidator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.level: unknown level %q", lvl))
	}
	if lvl := strings.TrimSpace(cfg.Logging.Alerts.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		add(fmt.Errorf("logging.alerts.min_level: unknown level %q", lvl))
	}
	if cfg.Logging.Alerts.RatePerSec < 0 {
		add(errors.New("logging.alerts.rate_per_sec must be >= 0"))
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.idle_timeout", cfg.HTTP.IdleTimeout)
	if cfg.HTTP.MaxBodyBytes < 0 {
		add(errors.New("http.max_body_bytes must be >= 0"))
	}

	dur("dispatcher.tick_interval", cfg.Dispatcher.TickInterval)
	if cfg.Dispatcher.HistorySize < 0 {
		add(errors.New("dispatcher.history_size must be >= 0"))
	}
	dur("watchdog.period", cfg.Watchdog.Period)

	switch d := strings.ToLower(strings.TrimSpace(cfg.Instrument.Driver)); d {
	case "", "sim":
	default:
		add(fmt.Errorf("instrument.driver: unsupported driver %q", d))
	}
	sim := cfg.Instrument.Sim
	dur("instrument.sim.frame_time", sim.FrameTime)
	dur("instrument.sim.focus_time", sim.FocusTime)
	dur("instrument.sim.integration", sim.Integration)
	if sim.MaxPowerMW < 0 || sim.StageSpeed < 0 {
		add(errors.New("instrument.sim: max_power_mw and stage_speed must be >= 0"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unsupported driver %q", s.Driver))
		}
		if strings.TrimSpace(s.Path) == "" {
			add(errors.New("storage.path is required"))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	dur("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	dur("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	dur("pprof.idle_timeout", cfg.Pprof.IdleTimeout)

	if tg := cfg.Alerts.Telegram; tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			add(errors.New("alerts.telegram: token and chat_id are required when enabled"))
		}
		dur("alerts.telegram.timeout", tg.Timeout)
	}

	seen := map[string]struct{}{}
	for i, sc := range cfg.Schedules {
		prefix := fmt.Sprintf("schedules[%d]", i)
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", prefix))
		} else if _, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name %q is duplicated", prefix, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(sc.Spec) == "" {
			add(fmt.Errorf("%s.spec is required", prefix))
		}
		if strings.TrimSpace(sc.Target) == "" {
			add(fmt.Errorf("%s.function_name is required", prefix))
		}
		if sc.Nice != nil && (math.IsNaN(*sc.Nice) || math.IsInf(*sc.Nice, 0) || *sc.Nice < 0) {
			add(fmt.Errorf("%s.nice must be a finite non-negative number", prefix))
		}
		dur(prefix+".timeout", sc.Timeout)
		dur(prefix+".max_duration", sc.MaxDuration)
	}
	return errors.Join(errs...)
}
