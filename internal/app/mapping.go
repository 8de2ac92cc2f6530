package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"acqd/internal/config"
	"acqd/internal/instrument/sim"
	"acqd/internal/observability/pprof"
	"acqd/internal/schedule"
	"acqd/internal/storage"
	logx "acqd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			// Forwarding without a sink only counts drops, so tie it to the sink.
			Enabled:    cfg.Logging.Alerts.Enabled && cfg.Alerts.Telegram.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func mapSimConfig(cfg *config.Config) (sim.Config, error) {
	sc := cfg.Instrument.Sim
	frame, err := config.ParseDurationField("instrument.sim.frame_time", sc.FrameTime)
	if err != nil {
		return sim.Config{}, err
	}
	focus, err := config.ParseDurationField("instrument.sim.focus_time", sc.FocusTime)
	if err != nil {
		return sim.Config{}, err
	}
	integ, err := config.ParseDurationField("instrument.sim.integration", sc.Integration)
	if err != nil {
		return sim.Config{}, err
	}
	return sim.Config{
		Lasers:      append([]string(nil), sc.Lasers...),
		MaxPowerMW:  sc.MaxPowerMW,
		StageSpeed:  sc.StageSpeed,
		FrameTime:   frame,
		FocusTime:   focus,
		Integration: integ,
	}, nil
}

// mapStorageConfig reports ok=false when the journal is disabled.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

// validateConfig holds the checks that need packages config cannot import.
func validateConfig(_ context.Context, cfg *config.Config) error {
	if _, err := schedule.EntriesFromConfig(cfg.Schedules); err != nil {
		return err
	}
	if err := pprof.FromConfig(cfg.Pprof).Check(); err != nil {
		return fmt.Errorf("pprof: %w", err)
	}
	return nil
}
