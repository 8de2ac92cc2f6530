package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"acqd/internal/instrument"
	rtsup "acqd/internal/runtime/supervisor"
	logx "acqd/pkg/logx"
)

const DefaultWatchdogPeriod = 3 * time.Second

// Watchdog polls the running slot and trips when an action outlives its max
// duration. A trip disowns the action without interrupting it, pauses the
// scheduler and calls the safety hook.
//
// The poll is intentionally coarse: the guarantee is a bounded overrun of at
// most one period, not a precise deadline.
type Watchdog struct {
	svc  *Service
	hook instrument.SafetyHook
	log  logx.Logger

	mu     sync.Mutex
	period time.Duration
	sup    *rtsup.Supervisor
	reset  chan struct{}
}

func NewWatchdog(svc *Service, hook instrument.SafetyHook, period time.Duration, log logx.Logger) *Watchdog {
	if period <= 0 {
		period = DefaultWatchdogPeriod
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watchdog{
		svc:    svc,
		hook:   hook,
		log:    log.With(logx.String("comp", "watchdog")),
		period: period,
		reset:  make(chan struct{}, 1),
	}
}

func (w *Watchdog) Period() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.period
}

// SetPeriod changes the poll cadence; a running loop picks it up immediately.
func (w *Watchdog) SetPeriod(d time.Duration) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	changed := w.period != d
	w.period = d
	w.mu.Unlock()
	if changed {
		select {
		case w.reset <- struct{}{}:
		default:
		}
	}
}

// Start is idempotent.
func (w *Watchdog) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	if w.sup != nil {
		w.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(w.log), rtsup.WithCancelOnError(false))
	w.sup = sup
	period := w.period
	w.mu.Unlock()

	sup.GoRestart("watchdog", w.loop, rtsup.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	w.log.Info("watchdog started", logx.Duration("period", period))
}

func (w *Watchdog) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	w.mu.Lock()
	sup := w.sup
	w.sup = nil
	w.mu.Unlock()
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil {
		w.log.Warn("watchdog stop timed out", logx.Err(err))
		return err
	}
	w.log.Info("watchdog stopped")
	return nil
}

func (w *Watchdog) loop(ctx context.Context) error {
	t := time.NewTicker(w.Period())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.reset:
			t.Reset(w.Period())
		case <-t.C:
			w.Check(ctx)
		}
	}
}

// Check runs one poll. It reports whether the watchdog tripped.
func (w *Watchdog) Check(ctx context.Context) bool {
	s := w.svc
	now := s.now()

	s.mu.Lock()
	cur := s.current
	if cur == nil || cur.deadline.IsZero() || !now.After(cur.deadline) {
		s.mu.Unlock()
		return false
	}
	// Pause and disown before calling out, so no tick can start another
	// action while the hook runs.
	s.current = nil
	s.gen++
	wasPaused := s.paused
	s.paused = true
	o := s.finishLocked(cur, StateKilled, now, "exceeded max duration")
	s.mu.Unlock()

	hookErr := w.safe(ctx)
	fields := []logx.Field{
		logx.String("id", cur.act.ID),
		logx.String("target", cur.act.Target),
		logx.Any("args", cur.act.Args),
		logx.Duration("max_duration", cur.act.MaxDuration),
		logx.Duration("overrun", now.Sub(cur.deadline)),
	}
	if hookErr != nil {
		fields = append(fields, logx.String("safety_hook_error", hookErr.Error()))
	}
	w.log.Error("task exceeded specified max duration", fields...)
	if hookErr != nil {
		w.log.Error("safety hook failed", logx.String("target", cur.act.Target), logx.Err(hookErr))
	}

	s.publish(o, now)
	if !wasPaused {
		s.announcePause(true, "watchdog")
	}
	s.notify()
	return true
}

func (w *Watchdog) safe(ctx context.Context) (err error) {
	if w.hook == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.hook(ctx)
}
