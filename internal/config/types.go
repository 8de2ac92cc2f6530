package config

import "time"

// Config is the daemon configuration. JSON and YAML files are accepted; YAML is
// coerced to JSON so both go through the same strict decoder.
//
// Durations are Go duration strings ("250ms", "3s", "1m").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Watchdog   WatchdogConfig   `json:"watchdog"`
	Instrument InstrumentConfig `json:"instrument"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
	Alerts     AlertsConfig     `json:"alerts,omitempty"`
	Schedules  []ScheduleConfig `json:"schedules,omitempty"`
}

const (
	DefaultHTTPAddr       = "127.0.0.1:9393"
	DefaultMaxBodyBytes   = 1 << 20
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultHistorySize    = 200
	DefaultWatchdogPeriod = 3 * time.Second
)

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the alert sink
// configured under alerts.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// HTTPConfig controls the submission and operator API.
//
// Enabled is a pointer so an omitted section means enabled.
type HTTPConfig struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	Addr         string `json:"addr,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"`
}

func (c HTTPConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c HTTPConfig) EffectiveAddr() string {
	if c.Addr == "" {
		return DefaultHTTPAddr
	}
	return c.Addr
}

func (c HTTPConfig) EffectiveMaxBody() int64 {
	if c.MaxBodyBytes <= 0 {
		return DefaultMaxBodyBytes
	}
	return c.MaxBodyBytes
}

type DispatcherConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`
	HistorySize  int    `json:"history_size,omitempty"`
}

func (c DispatcherConfig) EffectiveTickInterval() time.Duration {
	d, err := ParseDurationOrDefault("dispatcher.tick_interval", c.TickInterval, DefaultTickInterval)
	if err != nil {
		return DefaultTickInterval
	}
	return d
}

func (c DispatcherConfig) EffectiveHistorySize() int {
	if c.HistorySize <= 0 {
		return DefaultHistorySize
	}
	return c.HistorySize
}

type WatchdogConfig struct {
	Enabled *bool  `json:"enabled,omitempty"`
	Period  string `json:"period,omitempty"`
}

func (c WatchdogConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c WatchdogConfig) EffectivePeriod() time.Duration {
	d, err := ParseDurationOrDefault("watchdog.period", c.Period, DefaultWatchdogPeriod)
	if err != nil {
		return DefaultWatchdogPeriod
	}
	return d
}

// InstrumentConfig selects the instrument driver. Only "sim" ships in-tree.
type InstrumentConfig struct {
	Driver string    `json:"driver,omitempty"`
	Sim    SimConfig `json:"sim,omitempty"`
}

type SimConfig struct {
	Lasers      []string `json:"lasers,omitempty"`
	MaxPowerMW  float64  `json:"max_power_mw,omitempty"`
	StageSpeed  float64  `json:"stage_speed,omitempty"` // um/s
	FrameTime   string   `json:"frame_time,omitempty"`
	FocusTime   string   `json:"focus_time,omitempty"`
	Integration string   `json:"integration,omitempty"`
}

// StorageConfig enables the outcome journal. Nil means disabled.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./acqd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer a loopback address. A non-loopback address needs a token or
// allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // bearer token, never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// WriteTimeout defaults to 0 so /profile (30s+) works.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type AlertsConfig struct {
	Telegram TelegramAlerts `json:"telegram"`
}

type TelegramAlerts struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// ScheduleConfig submits an action on a recurring cadence.
//
// Spec accepts a cron expression ("*/5 * * * *"), a Go duration ("30s"),
// an "HH:MM" interval, or one of the prefixes cron:, interval:, every:.
type ScheduleConfig struct {
	Name        string         `json:"name"`
	Spec        string         `json:"spec"`
	Enabled     *bool          `json:"enabled,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Target      string         `json:"function_name"`
	Args        map[string]any `json:"args,omitempty"`
	Nice        *float64       `json:"nice,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
	MaxDuration string         `json:"max_duration,omitempty"`
}

func (c ScheduleConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }
