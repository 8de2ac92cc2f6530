package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"acqd/internal/action"
	"acqd/internal/config"
	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

// Submitter is the part of the action manager a schedule needs.
type Submitter interface {
	Submit(target string, args instrument.Args, opts ...action.SubmitOption) (action.Action, error)
}

// Entry is one recurring submission.
type Entry struct {
	Name     string
	Spec     string
	Timezone string
	Target   string
	Args     instrument.Args
	Priority float64
	// Timeout and MaxDuration follow the Submit defaults when unset.
	Timeout        time.Duration
	HasTimeout     bool
	MaxDuration    time.Duration
	HasMaxDuration bool
}

func (e Entry) submitOptions() []action.SubmitOption {
	opts := []action.SubmitOption{
		action.WithPriority(e.Priority),
		action.WithSource("schedule:" + e.Name),
	}
	if e.HasTimeout {
		opts = append(opts, action.WithTimeout(e.Timeout))
	}
	if e.HasMaxDuration {
		opts = append(opts, action.WithMaxDuration(e.MaxDuration))
	}
	return opts
}

// EntriesFromConfig converts and validates the configured schedules. Disabled
// entries are skipped.
func EntriesFromConfig(cfgs []config.ScheduleConfig) ([]Entry, error) {
	var (
		out  []Entry
		errs []error
	)
	for i, sc := range cfgs {
		if !sc.IsEnabled() {
			continue
		}
		prefix := fmt.Sprintf("schedules[%d]", i)
		e := Entry{
			Name:     strings.TrimSpace(sc.Name),
			Spec:     strings.TrimSpace(sc.Spec),
			Timezone: strings.TrimSpace(sc.Timezone),
			Target:   strings.TrimSpace(sc.Target),
			Args:     instrument.Args(sc.Args).Clone(),
			Priority: action.DefaultPriority,
		}
		if sc.Nice != nil {
			e.Priority = *sc.Nice
		}
		if _, err := ParseSchedule(e.Spec); err != nil {
			errs = append(errs, fmt.Errorf("%s.spec: %w", prefix, err))
		}
		if _, err := loadLocation(e.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("%s.timezone: %w", prefix, err))
		}
		var err error
		if e.Timeout, e.HasTimeout, err = config.ParseDurationSet(prefix+".timeout", sc.Timeout); err != nil {
			errs = append(errs, err)
		}
		if e.MaxDuration, e.HasMaxDuration, err = config.ParseDurationSet(prefix+".max_duration", sc.MaxDuration); err != nil {
			errs = append(errs, err)
		}
		out = append(out, e)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return nil, nil
	}
	return time.LoadLocation(tz)
}

// Info is the read-only view of a registered schedule.
type Info struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Target  string    `json:"function_name"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
	Fired   uint64    `json:"fired"`
	LastErr string    `json:"last_err,omitempty"`
}

type entryState struct {
	entry   Entry
	sched   cron.Schedule
	entryID cron.EntryID
	fired   uint64
	lastErr string
}

// Service triggers action submissions from cron or interval schedules. It
// never runs instrument functions itself; the action manager does.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	sub Submitter
	now func() time.Time

	c    *cron.Cron
	defs map[string]*entryState
}

func New(sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:  log.With(logx.String("comp", "schedule")),
		sub:  sub,
		now:  time.Now,
		defs: map[string]*entryState{},
	}
}

// Upsert registers e, replacing any schedule with the same name.
func (s *Service) Upsert(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("name required")
	}
	if strings.TrimSpace(e.Target) == "" {
		return errors.New("function_name required")
	}
	ps, err := ParseSchedule(e.Spec)
	if err != nil {
		return err
	}
	loc, err := loadLocation(e.Timezone)
	if err != nil {
		return err
	}
	sched, err := compile(ps, loc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e.Name)
	st := &entryState{entry: e, sched: sched}
	if ps.Kind == SpecInterval {
		var jitter time.Duration
		st.sched, jitter = withStartupSpread(sched, ps.Every, s.now(), e.Name)
		s.log.Debug("interval startup spread", logx.String("name", e.Name), logx.Duration("jitter", jitter))
	}
	s.defs[e.Name] = st
	if s.c != nil {
		s.addLocked(st)
	}
	return nil
}

// Remove unregisters a schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	st, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && st.entryID != 0 {
		s.c.Remove(st.entryID)
	}
	delete(s.defs, name)
	return true
}

// Apply reconciles the registered set with entries: missing names are
// removed, changed ones re-registered, unchanged ones keep their timers.
func (s *Service) Apply(entries []Entry) error {
	want := make(map[string]Entry, len(entries))
	for _, e := range entries {
		want[e.Name] = e
	}

	s.mu.Lock()
	var stale []string
	for name, st := range s.defs {
		e, ok := want[name]
		if !ok {
			stale = append(stale, name)
			continue
		}
		if sameEntry(st.entry, e) {
			delete(want, name)
		}
	}
	for _, name := range stale {
		s.removeLocked(name)
	}
	s.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if _, ok := want[e.Name]; !ok {
			continue
		}
		if err := s.Upsert(e); err != nil {
			errs = append(errs, fmt.Errorf("schedule %q: %w", e.Name, err))
		}
	}
	if len(stale) > 0 {
		s.log.Info("schedules removed", logx.Any("names", stale))
	}
	return errors.Join(errs...)
}

func sameEntry(a, b Entry) bool {
	if a.Name != b.Name || a.Spec != b.Spec || a.Timezone != b.Timezone || a.Target != b.Target ||
		a.Priority != b.Priority || a.Timeout != b.Timeout || a.HasTimeout != b.HasTimeout ||
		a.MaxDuration != b.MaxDuration || a.HasMaxDuration != b.HasMaxDuration || len(a.Args) != len(b.Args) {
		return false
	}
	for k, v := range a.Args {
		if w, ok := b.Args[k]; !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}

func (s *Service) addLocked(st *entryState) {
	name := st.entry.Name
	st.entryID = s.c.Schedule(st.sched, cron.FuncJob(func() { s.fire(name) }))
	s.log.Debug("schedule registered",
		logx.String("name", name),
		logx.String("spec", st.entry.Spec),
		logx.Time("next", st.sched.Next(s.now())),
	)
}

// Fire submits the named schedule's action now, outside its cadence.
func (s *Service) Fire(name string) error {
	if !s.fire(name) {
		return fmt.Errorf("schedule %q not found", name)
	}
	return nil
}

func (s *Service) fire(name string) bool {
	s.mu.Lock()
	st, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return false
	}
	e := st.entry
	s.mu.Unlock()

	a, err := s.sub.Submit(e.Target, e.Args.Clone(), e.submitOptions()...)

	s.mu.Lock()
	if cur, ok := s.defs[name]; ok && cur == st {
		st.fired++
		st.lastErr = ""
		if err != nil {
			st.lastErr = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("scheduled submit failed", logx.String("name", name), logx.String("function_name", e.Target), logx.Err(err))
	} else {
		s.log.Debug("scheduled submit", logx.String("name", name), logx.String("id", a.ID))
	}
	return true
}

// Start begins triggering. Registered schedules are armed.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cronLogger{s.log})))
	for _, st := range s.defs {
		s.addLocked(st)
	}
	s.c.Start()
	s.log.Info("service started", logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering. Definitions stay registered for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, st := range s.defs {
		st.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Snapshot lists registered schedules sorted by name.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Info, 0, len(s.defs))
	for name, st := range s.defs {
		info := Info{
			Name:    name,
			Spec:    st.entry.Spec,
			Target:  st.entry.Target,
			Fired:   st.fired,
			LastErr: st.lastErr,
			Next:    st.sched.Next(now),
		}
		if s.c != nil && st.entryID != 0 {
			ce := s.c.Entry(st.entryID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger for the Recover wrapper.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug(msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
