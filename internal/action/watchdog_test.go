package action

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

type countingHook struct {
	calls atomic.Int32
	err   error
	panic bool
}

func (h *countingHook) Hook(context.Context) error {
	h.calls.Add(1)
	if h.panic {
		panic("interlock offline")
	}
	return h.err
}

func TestOverrunKill(t *testing.T) {
	h := newHarness(t)
	h.gated(t, "a")
	hook := &countingHook{}
	wd := NewWatchdog(h.svc, hook.Hook, 3*time.Second, logx.NewJSON(h.logs, "debug"))

	h.submit(t, "a", WithPriority(5), WithMaxDuration(100*time.Millisecond))
	h.svc.Tick(context.Background())
	if currentTarget(h.svc) != "a" {
		t.Fatal("a did not start")
	}

	if wd.Check(context.Background()) {
		t.Fatal("tripped before the deadline")
	}
	h.clock.Advance(4 * time.Second)
	if !wd.Check(context.Background()) {
		t.Fatal("did not trip after the deadline")
	}

	if hook.calls.Load() != 1 {
		t.Fatalf("safety hook calls = %d, want 1", hook.calls.Load())
	}
	if !h.svc.Paused() {
		t.Fatal("scheduler not paused after trip")
	}
	if currentTarget(h.svc) != "" {
		t.Fatal("running slot not cleared")
	}
	if lastState(h.svc) != StateKilled {
		t.Fatalf("state = %q, want killed", lastState(h.svc))
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "task exceeded specified max duration") || !strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("missing overrun error log:\n%s", logs)
	}

	// A second poll has nothing to do.
	if wd.Check(context.Background()) || hook.calls.Load() != 1 {
		t.Fatal("watchdog tripped twice")
	}
}

func TestZeroMaxDurationKilledOnFirstPoll(t *testing.T) {
	h := newHarness(t)
	h.gated(t, "a")
	wd := NewWatchdog(h.svc, nil, time.Second, logx.Nop())
	h.submit(t, "a", WithMaxDuration(0))
	h.svc.Tick(context.Background())
	h.clock.Advance(time.Nanosecond)
	if !wd.Check(context.Background()) {
		t.Fatal("zero max duration should trip on the first poll after dispatch")
	}
}

func TestNoMaxDurationNeverTrips(t *testing.T) {
	h := newHarness(t)
	h.gated(t, "a")
	wd := NewWatchdog(h.svc, nil, time.Second, logx.Nop())
	h.submit(t, "a")
	h.svc.Tick(context.Background())
	h.clock.Advance(1000 * time.Hour)
	if wd.Check(context.Background()) {
		t.Fatal("action without max duration tripped")
	}
}

func TestSafetyHookFailureStillPauses(t *testing.T) {
	tests := []struct {
		name string
		hook *countingHook
	}{
		{"error", &countingHook{err: errors.New("laser controller unreachable")}},
		{"panic", &countingHook{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.gated(t, "a")
			wd := NewWatchdog(h.svc, tt.hook.Hook, time.Second, logx.NewJSON(h.logs, "debug"))
			h.submit(t, "a", WithMaxDuration(time.Second))
			h.svc.Tick(context.Background())
			h.clock.Advance(2 * time.Second)

			if !wd.Check(context.Background()) {
				t.Fatal("did not trip")
			}
			if !h.svc.Paused() || currentTarget(h.svc) != "" {
				t.Fatal("pause and clear must hold when the hook fails")
			}
			if !strings.Contains(h.logs.String(), "safety hook failed") {
				t.Fatal("hook failure not logged")
			}
		})
	}
}

func TestPausedUntilResumeAfterKill(t *testing.T) {
	h := newHarness(t)
	h.gated(t, "a")
	h.instant(t, "b")
	wd := NewWatchdog(h.svc, nil, time.Second, logx.Nop())
	h.submit(t, "a", WithMaxDuration(time.Second))
	h.submit(t, "b")
	h.svc.Tick(context.Background())
	h.clock.Advance(2 * time.Second)
	wd.Check(context.Background())

	for i := 0; i < 3; i++ {
		h.svc.Tick(context.Background())
	}
	if len(h.calls.Names()) != 1 {
		t.Fatalf("b ran while paused: %v", h.calls.Names())
	}
	h.svc.Resume()
	h.svc.Tick(context.Background())
	if n := len(h.calls.Names()); n != 2 {
		t.Fatalf("calls = %d after resume, want 2", n)
	}
}

func TestProbeResultAfterTripIsIgnored(t *testing.T) {
	h := newHarness(t)
	inProbe := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	first := true
	_ = h.ns.Handle("slow", func(context.Context, instrument.Args) (instrument.Probe, error) {
		return func() (bool, error) {
			if first {
				first = false
				return false, nil
			}
			once.Do(func() { close(inProbe) })
			<-release
			return true, nil
		}, nil
	})
	wd := NewWatchdog(h.svc, nil, time.Second, logx.Nop())
	h.submit(t, "slow", WithMaxDuration(time.Second))
	h.svc.Tick(context.Background()) // start
	h.svc.Tick(context.Background()) // probe false

	tickDone := make(chan struct{})
	go func() {
		h.svc.Tick(context.Background())
		close(tickDone)
	}()
	<-inProbe
	h.clock.Advance(2 * time.Second)
	if !wd.Check(context.Background()) {
		t.Fatal("did not trip while the probe was running")
	}
	close(release)
	<-tickDone

	hist := h.svc.Snapshot().History
	if len(hist) != 1 || hist[0].State != StateKilled {
		t.Fatalf("history = %+v, want a single killed outcome", hist)
	}
}

func TestWatchdogLoopTrips(t *testing.T) {
	ns := instrument.NewNamespace()
	_ = ns.Handle("hang", func(context.Context, instrument.Args) (instrument.Probe, error) {
		return func() (bool, error) { return false, nil }, nil
	})
	svc := New(ns)
	tripped := make(chan struct{})
	var once sync.Once
	wd := NewWatchdog(svc, func(context.Context) error {
		once.Do(func() { close(tripped) })
		return nil
	}, 10*time.Millisecond, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wd.Start(ctx)
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), time.Second)
		defer c()
		_ = wd.Stop(stopCtx)
	}()

	_, _ = svc.Submit("hang", nil, WithMaxDuration(5*time.Millisecond))
	svc.Tick(ctx)

	select {
	case <-tripped:
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog loop never tripped")
	}
	if !svc.Paused() {
		t.Fatal("not paused after loop trip")
	}
}

func TestSetPeriod(t *testing.T) {
	wd := NewWatchdog(New(nil), nil, 0, logx.Nop())
	if wd.Period() != DefaultWatchdogPeriod {
		t.Fatalf("default period = %v", wd.Period())
	}
	wd.SetPeriod(250 * time.Millisecond)
	wd.SetPeriod(-1)
	if wd.Period() != 250*time.Millisecond {
		t.Fatalf("period = %v", wd.Period())
	}
}
