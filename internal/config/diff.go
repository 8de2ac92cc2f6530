package config

import (
	"reflect"
	"sort"
	"strings"

	logx "acqd/pkg/logx"
)

// RestartSections lists sections whose changes only take effect after a restart.
var RestartSections = map[string]bool{
	"instrument": true,
	"storage":    true,
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging (tokens are reported only as "set" flags) and
// the names of schedules that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.IsEnabled()),
			logx.String("http.addr", newCfg.HTTP.EffectiveAddr()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Duration("dispatcher.tick_interval", newCfg.Dispatcher.EffectiveTickInterval()),
			logx.Int("dispatcher.history_size", newCfg.Dispatcher.EffectiveHistorySize()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watchdog, newCfg.Watchdog) {
		changed = append(changed, "watchdog")
		attrs = append(attrs,
			logx.Bool("watchdog.enabled", newCfg.Watchdog.IsEnabled()),
			logx.Duration("watchdog.period", newCfg.Watchdog.EffectivePeriod()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Instrument, newCfg.Instrument) {
		changed = append(changed, "instrument")
		attrs = append(attrs, logx.String("instrument.driver", newCfg.Instrument.Driver))
	}

	// Nil storage means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oP, nP := oldCfg.Pprof, newCfg.Pprof
	oTok, nTok := strings.TrimSpace(oP.Token) != "", strings.TrimSpace(nP.Token) != ""
	oP.Token, nP.Token = "", ""
	if oP != nP || oTok != nTok {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", nP.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(nP.Addr)),
			logx.Bool("pprof.token_set", nTok),
			logx.Bool("pprof.allow_insecure", nP.AllowInsecure),
		)
	}

	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Bool("alerts.telegram.enabled", newCfg.Alerts.Telegram.Enabled),
			logx.Bool("alerts.telegram.token_set", strings.TrimSpace(newCfg.Alerts.Telegram.Token) != ""),
		)
	}

	schedChanged := diffSchedules(oldCfg.Schedules, newCfg.Schedules)
	if len(schedChanged) > 0 {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.changed_count", len(schedChanged)),
			logx.Int("schedules.total", len(newCfg.Schedules)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, schedChanged
}

func diffSchedules(oldL, newL []ScheduleConfig) []string {
	index := func(l []ScheduleConfig) map[string]uint64 {
		m := make(map[string]uint64, len(l))
		for _, sc := range l {
			m[strings.TrimSpace(sc.Name)] = hashJSON(sc)
		}
		return m
	}
	o, n := index(oldL), index(newL)
	set := map[string]struct{}{}
	for k := range o {
		set[k] = struct{}{}
	}
	for k := range n {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		oh, oOK := o[name]
		nh, nOK := n[name]
		if oOK != nOK || oh != nh {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
