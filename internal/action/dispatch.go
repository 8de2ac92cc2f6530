package action

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

// Tick advances the scheduler by one step:
//
//  1. paused: nothing happens.
//  2. an action is running: its probe is evaluated. Done (or nil probe) frees
//     the slot; not done ends the tick.
//  3. the head of the queue is popped. An expired head is discarded and ends
//     the tick.
//  4. the target is resolved and invoked. A nil probe finishes it right away.
//
// Tick never panics and never returns an error; failures are logged and
// recorded as outcomes.
func (s *Service) Tick(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.violation("dispatcher tick panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if !s.finishCurrent() {
		return
	}
	s.startNext(ctx)
}

// finishCurrent reports whether the tick may go on to start another action.
func (s *Service) finishCurrent() bool {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return false
	}
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return true
	}

	done, err := callProbe(cur.probe)
	now := s.now()

	s.mu.Lock()
	if s.current == nil || s.current.gen != cur.gen {
		// Disowned by the watchdog while the probe ran.
		s.mu.Unlock()
		return false
	}
	if err == nil && !done {
		s.mu.Unlock()
		return false
	}
	s.current = nil
	var o Outcome
	if err != nil {
		o = s.finishLocked(cur, StateFailed, now, err.Error())
	} else {
		o = s.finishLocked(cur, StateDone, now, "")
	}
	paused := s.paused
	s.mu.Unlock()

	if err != nil {
		s.log.Error("probe failed",
			logx.String("id", cur.act.ID),
			logx.String("target", cur.act.Target),
			logx.Any("args", cur.act.Args),
			logx.Err(err),
		)
	} else {
		s.log.Debug("action done",
			logx.String("id", cur.act.ID),
			logx.String("target", cur.act.Target),
			logx.Duration("took", now.Sub(cur.startedAt)),
		)
	}
	s.publish(o, now)
	s.notify()
	return !paused
}

func (s *Service) startNext(ctx context.Context) {
	s.mu.Lock()
	if s.paused || s.current != nil {
		s.mu.Unlock()
		return
	}
	a, ok := s.queue.pop()
	s.mu.Unlock()
	if !ok {
		return
	}
	s.notify()

	now := s.now()
	if !now.Before(a.ExpiresAt) {
		s.log.Warn("task expired",
			logx.String("id", a.ID),
			logx.String("target", a.Target),
			logx.Duration("late", now.Sub(a.ExpiresAt)),
		)
		o := outcomeOf(a, StateExpired)
		o.FinishedAt = now
		s.record(o, now)
		return
	}

	fn, err := s.resolve(a.Target)
	if err != nil {
		s.fail(a, time.Time{}, now, "action target did not resolve", err)
		return
	}

	s.mu.Lock()
	if s.paused {
		// Paused between pop and invoke: put it back with its original order.
		s.queue.push(a)
		s.mu.Unlock()
		s.notify()
		return
	}
	s.mu.Unlock()

	probe, err := invoke(ctx, fn, a.Args.Clone())
	startedAt := s.now()
	if err != nil {
		s.fail(a, startedAt, startedAt, "action failed", err)
		return
	}

	r := &running{act: a, probe: probe, startedAt: startedAt}
	if a.HasMaxDuration() {
		r.deadline = startedAt.Add(a.MaxDuration)
	}
	started := outcomeOf(a, StateRunning)
	started.StartedAt = startedAt

	if probe == nil {
		s.log.Debug("action done", logx.String("id", a.ID), logx.String("target", a.Target))
		s.publish(started, startedAt)
		o := outcomeOf(a, StateDone)
		o.StartedAt = startedAt
		o.FinishedAt = startedAt
		s.record(o, startedAt)
		s.notify()
		return
	}

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		s.violation("running slot occupied at dispatch",
			logx.String("id", a.ID),
			logx.String("target", a.Target),
		)
		return
	}
	s.gen++
	r.gen = s.gen
	s.current = r
	s.mu.Unlock()

	s.log.Info("action started",
		logx.String("id", a.ID),
		logx.String("target", a.Target),
		logx.Float64("priority", a.Priority),
		logx.Any("args", a.Args),
	)
	s.publish(started, startedAt)
	s.notify()
}

func (s *Service) resolve(target string) (instrument.Func, error) {
	if s.resolver == nil {
		return nil, fmt.Errorf("%w: no instrument namespace", instrument.ErrNotFound)
	}
	return s.resolver.Resolve(target)
}

func (s *Service) fail(a Action, startedAt, now time.Time, msg string, err error) {
	s.log.Error(msg,
		logx.String("id", a.ID),
		logx.String("target", a.Target),
		logx.Any("args", a.Args),
		logx.Err(err),
	)
	o := outcomeOf(a, StateFailed)
	o.StartedAt = startedAt
	o.FinishedAt = now
	o.Error = err.Error()
	s.record(o, now)
}

func invoke(ctx context.Context, fn instrument.Func, args instrument.Args) (probe instrument.Probe, err error) {
	defer func() {
		if r := recover(); r != nil {
			probe, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args)
}

// callProbe treats a nil probe as done and converts a panic into an error.
func callProbe(p instrument.Probe) (done bool, err error) {
	if p == nil {
		return true, nil
	}
	defer func() {
		if r := recover(); r != nil {
			done, err = false, fmt.Errorf("panic: %v", r)
		}
	}()
	return p()
}

// Run ticks at interval until ctx is done. It clears a stale running slot
// first, so restarting Run after a crash leaves the scheduler consistent.
// SetTickInterval changes the cadence without restarting.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if s.TickInterval() <= 0 {
		s.SetTickInterval(interval)
	}
	active := s.TickInterval()
	s.Recover()

	t := time.NewTicker(active)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
			if want := s.TickInterval(); want > 0 && want != active {
				active = want
				t.Reset(active)
				s.log.Info("tick interval changed", logx.Duration("interval", active))
			}
		}
	}
}
