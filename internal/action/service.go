// Package action implements the instrument action scheduler: a priority queue
// of pending actions, a tick-driven dispatcher that runs them one at a time and
// a watchdog that bounds how long a running action may take.
package action

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"acqd/internal/eventbus"
	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

type Option func(*Service)

// WithClock replaces time.Now. Tests use it to drive expiry and overrun.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(s *Service) { s.bus = bus } }

// WithHistorySize bounds the in-memory ring of finished actions.
func WithHistorySize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historySize = n
		}
	}
}

type running struct {
	act       Action
	probe     instrument.Probe
	startedAt time.Time
	deadline  time.Time
	gen       uint64
}

func (r *running) view() *Running {
	if r == nil {
		return nil
	}
	v := &Running{Action: r.act, StartedAt: r.startedAt, Deadline: r.deadline}
	v.Args = r.act.Args.Clone()
	return v
}

// Service owns the queue, the running slot and the paused flag. All of them
// are guarded by mu. Tick is additionally serialized by tickMu so that action
// callables and probes can run without holding mu.
type Service struct {
	resolver instrument.Resolver
	log      logx.Logger
	bus      eventbus.Bus
	now      func() time.Time

	tickMu sync.Mutex

	mu      sync.Mutex
	queue   actionQueue
	seq     uint64
	current *running
	gen     uint64
	paused  bool

	historySize int
	history     []Outcome

	lmu       sync.Mutex
	listeners map[ListenerID]Listener
	nextLID   ListenerID

	interval atomic.Int64
}

func New(resolver instrument.Resolver, opts ...Option) *Service {
	s := &Service{
		resolver:    resolver,
		now:         time.Now,
		historySize: defaultHistorySize,
		listeners:   map[ListenerID]Listener{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "action"))
	return s
}

// SubmitOption adjusts a single submission.
type SubmitOption func(*submitCfg)

type submitCfg struct {
	priority    float64
	timeout     time.Duration
	maxDuration time.Duration
	source      string
}

// WithPriority sets the sort priority. Lower runs first.
func WithPriority(p float64) SubmitOption { return func(c *submitCfg) { c.priority = p } }

// WithTimeout sets how long the action may wait in the queue before it is
// discarded at pop time.
func WithTimeout(d time.Duration) SubmitOption { return func(c *submitCfg) { c.timeout = d } }

// WithMaxDuration bounds the running time enforced by the watchdog.
func WithMaxDuration(d time.Duration) SubmitOption {
	return func(c *submitCfg) { c.maxDuration = d }
}

// WithSource tags the submission for the audit trail ("http", "schedule:<name>", ...).
func WithSource(src string) SubmitOption { return func(c *submitCfg) { c.source = src } }

// Submit enqueues an action and fires the change signal. The returned Action
// is a copy of what was enqueued.
func (s *Service) Submit(target string, args instrument.Args, opts ...SubmitOption) (Action, error) {
	cfg := submitCfg{priority: DefaultPriority, timeout: DefaultTimeout, maxDuration: NoMaxDuration}
	for _, o := range opts {
		o(&cfg)
	}
	target = strings.TrimSpace(target)
	switch {
	case target == "":
		return Action{}, fmt.Errorf("%w: target is empty", ErrInvalidArgument)
	case math.IsNaN(cfg.priority) || math.IsInf(cfg.priority, 0):
		return Action{}, fmt.Errorf("%w: priority must be finite", ErrInvalidArgument)
	case cfg.timeout < 0:
		return Action{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidArgument)
	case cfg.maxDuration < 0:
		return Action{}, fmt.Errorf("%w: max duration must not be negative", ErrInvalidArgument)
	}

	now := s.now()
	a := Action{
		ID:          uuid.NewString(),
		Target:      target,
		Args:        args.Clone(),
		Priority:    cfg.priority,
		Source:      cfg.source,
		SubmittedAt: now,
		ExpiresAt:   now.Add(cfg.timeout),
		MaxDuration: cfg.maxDuration,
	}

	s.mu.Lock()
	s.seq++
	a.Seq = s.seq
	s.queue.push(a)
	s.mu.Unlock()

	s.log.Debug("action submitted",
		logx.String("id", a.ID),
		logx.String("target", a.Target),
		logx.Float64("priority", a.Priority),
		logx.Uint64("seq", a.Seq),
		logx.String("source", a.Source),
	)
	s.publish(outcomeOf(a, StateQueued), now)
	s.notify()

	out := a
	out.Args = a.Args.Clone()
	return out, nil
}

// PopReady removes and returns the head of the queue without checking expiry.
func (s *Service) PopReady() (Action, bool) {
	s.mu.Lock()
	a, ok := s.queue.pop()
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return a, ok
}

func (s *Service) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Subscribe installs a change observer.
func (s *Service) Subscribe(l Listener) ListenerID {
	if l == nil {
		return 0
	}
	s.lmu.Lock()
	defer s.lmu.Unlock()
	s.nextLID++
	s.listeners[s.nextLID] = l
	return s.nextLID
}

func (s *Service) Unsubscribe(id ListenerID) {
	s.lmu.Lock()
	delete(s.listeners, id)
	s.lmu.Unlock()
}

// notify runs listeners in the caller's goroutine. Callers must not hold mu.
func (s *Service) notify() {
	s.lmu.Lock()
	ls := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.lmu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Warn("change listener panicked", logx.Any("panic", r))
				}
			}()
			l()
		}()
	}
}

func (s *Service) publish(o Outcome, at time.Time) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventFor(o.State), Time: at, Data: o})
}

// Pause stops new actions from starting. A running action is not interrupted.
func (s *Service) Pause() { s.setPaused(true, "operator") }

func (s *Service) Resume() { s.setPaused(false, "operator") }

func (s *Service) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Service) setPaused(p bool, reason string) {
	s.mu.Lock()
	changed := s.paused != p
	s.paused = p
	s.mu.Unlock()
	if !changed {
		return
	}
	s.announcePause(p, reason)
}

func (s *Service) announcePause(p bool, reason string) {
	typ := EventResumed
	if p {
		typ = EventPaused
		s.log.Info("scheduler paused", logx.String("reason", reason))
	} else {
		s.log.Info("scheduler resumed", logx.String("reason", reason))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: map[string]string{"reason": reason}})
	}
}

// Recover clears a running slot left behind by a crashed dispatcher loop.
// It reports whether anything was cleared.
func (s *Service) Recover() bool {
	now := s.now()
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	s.gen++
	o := s.finishLocked(cur, StateFailed, now, "stale after dispatcher restart")
	s.mu.Unlock()

	s.log.Warn("cleared stale running action", logx.String("id", cur.act.ID), logx.String("target", cur.act.Target))
	s.publish(o, now)
	s.notify()
	return true
}

// Snapshot returns a copy of the scheduler state. Queue is in dispatch order.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Outcome, len(s.history))
	copy(h, s.history)
	return Snapshot{
		Paused:    s.paused,
		Current:   s.current.view(),
		Queue:     s.queue.sorted(),
		History:   h,
		Submitted: s.seq,
	}
}

// SetTickInterval changes the cadence of a running Run loop.
func (s *Service) SetTickInterval(d time.Duration) {
	if d > 0 {
		s.interval.Store(int64(d))
	}
}

func (s *Service) TickInterval() time.Duration { return time.Duration(s.interval.Load()) }

// SetHistorySize resizes the history ring, dropping the oldest entries.
func (s *Service) SetHistorySize(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.historySize = n
	if len(s.history) > n {
		s.history = append([]Outcome(nil), s.history[len(s.history)-n:]...)
	}
	s.mu.Unlock()
}

// finishLocked records a terminal outcome for r. Caller holds mu.
func (s *Service) finishLocked(r *running, st State, at time.Time, errText string) Outcome {
	o := outcomeOf(r.act, st)
	o.StartedAt = r.startedAt
	o.FinishedAt = at
	o.Error = errText
	s.appendHistoryLocked(o)
	return o
}

func (s *Service) appendHistoryLocked(o Outcome) {
	s.history = append(s.history, o)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

func (s *Service) record(o Outcome, at time.Time) {
	s.mu.Lock()
	s.appendHistoryLocked(o)
	s.mu.Unlock()
	s.publish(o, at)
}

// violation pauses the scheduler after an internal consistency failure.
func (s *Service) violation(msg string, fields ...logx.Field) {
	s.mu.Lock()
	changed := !s.paused
	s.paused = true
	s.mu.Unlock()
	fields = append(fields, logx.Critical(), logx.Err(ErrInvariant))
	s.log.Error(msg, fields...)
	if changed {
		s.announcePause(true, "invariant")
	}
}
