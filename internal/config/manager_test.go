package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleJSON = `{
  "logging": {"level": "debug", "console": true},
  "http": {"addr": "127.0.0.1:0"},
  "dispatcher": {"tick_interval": "50ms", "history_size": 10},
  "watchdog": {"period": "2s"},
  "instrument": {"driver": "sim", "sim": {"lasers": ["l488"]}},
  "storage": {"driver": "sqlite", "path": "./acqd.db"},
  "schedules": [
    {"name": "spool", "spec": "every:30s", "function_name": "spoolController.StartSpooling", "args": {"n_frames": 10}, "nice": 5}
  ]
}`

const sampleYAML = `
logging:
  level: debug
  console: true
http:
  addr: 127.0.0.1:0
dispatcher:
  tick_interval: 50ms
  history_size: 10
watchdog:
  period: 2s
instrument:
  driver: sim
  sim:
    lasers: [l488]
storage:
  driver: sqlite
  path: ./acqd.db
schedules:
  - name: spool
    spec: every:30s
    function_name: spoolController.StartSpooling
    args: {n_frames: 10}
    nice: 5
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestJSONAndYAMLDecodeEqual(t *testing.T) {
	dir := t.TempDir()
	j, err := NewConfigManager(writeFile(t, dir, "c.json", sampleJSON)).Parse()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	y, err := NewConfigManager(writeFile(t, dir, "c.yaml", sampleYAML)).Parse()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if !reflect.DeepEqual(j, y) {
		t.Fatalf("json and yaml differ:\n%+v\n%+v", j, y)
	}
	if got := j.Dispatcher.EffectiveTickInterval(); got != 50*time.Millisecond {
		t.Fatalf("tick interval = %v", got)
	}
	if err := Validate(j); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"dispatcher": {"tick": "1s"}}`},
		{"trailing data", "c.json", `{} {}`},
		{"unknown yaml field", "c.yml", "watchdog:\n  perod: 1s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := writeFile(t, t.TempDir(), tt.file, tt.body)
			if _, err := NewConfigManager(p).Parse(); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	var c Config
	if !c.HTTP.IsEnabled() || c.HTTP.EffectiveAddr() != DefaultHTTPAddr {
		t.Fatalf("http defaults: enabled=%v addr=%q", c.HTTP.IsEnabled(), c.HTTP.EffectiveAddr())
	}
	if c.Watchdog.EffectivePeriod() != 3*time.Second || !c.Watchdog.IsEnabled() {
		t.Fatal("watchdog defaults")
	}
	if c.Dispatcher.EffectiveHistorySize() != DefaultHistorySize {
		t.Fatal("history default")
	}
}

func TestValidate(t *testing.T) {
	neg := -1.0
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad duration", func(c *Config) { c.Watchdog.Period = "soon" }, "watchdog.period"},
		{"bad driver", func(c *Config) { c.Instrument.Driver = "serial" }, "instrument.driver"},
		{"storage path", func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, "storage.path"},
		{"telegram", func(c *Config) { c.Alerts.Telegram.Enabled = true }, "alerts.telegram"},
		{"dup schedule", func(c *Config) {
			sc := ScheduleConfig{Name: "a", Spec: "1m", Target: "x"}
			c.Schedules = []ScheduleConfig{sc, sc}
		}, "duplicated"},
		{"negative nice", func(c *Config) {
			c.Schedules = []ScheduleConfig{{Name: "a", Spec: "1m", Target: "x", Nice: &neg}}
		}, "nice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			tt.mut(&c)
			err := Validate(&c)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"watchdog": {"period": "1s"}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if _, err := m.Reload(context.Background()); !errors.Is(err, ErrUnchanged) {
		t.Fatalf("Reload on unchanged file: %v", err)
	}

	writeFile(t, dir, "c.json", `{"watchdog": {"period": "5s"}}`)
	if _, err := m.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	select {
	case cfg := <-ch:
		if cfg.Watchdog.EffectivePeriod() != 5*time.Second {
			t.Fatalf("published period = %v", cfg.Watchdog.EffectivePeriod())
		}
	default:
		t.Fatal("no config published")
	}
}

func TestReloadValidatorRejects(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{}`)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if len(cfg.Schedules) > 0 {
			return errors.New("no schedules allowed")
		}
		return nil
	})
	writeFile(t, dir, "c.json", `{"schedules": [{"name": "a", "spec": "1m", "function_name": "x"}]}`)
	if _, err := m.Reload(context.Background()); err == nil {
		t.Fatal("validator did not reject")
	}
	if len(m.Get().Schedules) != 0 {
		t.Fatal("rejected config was committed")
	}
}

func TestWatchPicksUpEdits(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "c.json", `{"dispatcher": {"history_size": 1}}`)
	m := NewConfigManager(p)
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Dispatcher.HistorySize != 2 {
				t.Fatalf("history_size = %d", cfg.Dispatcher.HistorySize)
			}
			return
		case <-tick.C:
			// Rewrite until the watcher is attached and sees an event.
			writeFile(t, dir, "c.json", `{"dispatcher": {"history_size": 2}}`)
		case <-deadline:
			t.Fatal("watcher never published")
		}
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{
		Pprof:     PprofConfig{Token: "a"},
		Schedules: []ScheduleConfig{{Name: "keep", Spec: "1m"}, {Name: "drop", Spec: "1m"}},
	}
	newCfg := &Config{
		Pprof:      PprofConfig{Token: "b"},
		Watchdog:   WatchdogConfig{Period: "5s"},
		Storage:    &StorageConfig{Driver: "file", Path: "x"},
		Schedules:  []ScheduleConfig{{Name: "keep", Spec: "1m"}, {Name: "new", Spec: "5m"}},
		Instrument: InstrumentConfig{Driver: "sim"},
	}
	changed, attrs, scheds := SummarizeConfigChange(oldCfg, newCfg)
	if want := []string{"instrument", "schedules", "storage", "watchdog"}; !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v (token rotation must not show)", changed, want)
	}
	if want := []string{"drop", "new"}; !reflect.DeepEqual(scheds, want) {
		t.Fatalf("schedules = %v, want %v", scheds, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
}
