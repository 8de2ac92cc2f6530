package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"acqd/internal/action"
	"acqd/internal/eventbus"
	"acqd/internal/instrument"
	logx "acqd/pkg/logx"
)

func sampleOutcome(i int, st action.State) action.Outcome {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC).Add(time.Duration(i) * time.Second)
	return action.Outcome{
		ID:          fmt.Sprintf("id-%d", i),
		Target:      "lasers.l488.on",
		Args:        instrument.Args{"power": float64(i)},
		Priority:    float64(i),
		Source:      "http",
		State:       st,
		SubmittedAt: at,
		StartedAt:   at.Add(time.Second),
		FinishedAt:  at.Add(2 * time.Second),
	}
}

func openBoth(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for _, driver := range []string{"file", "sqlite"} {
		st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, driver, "acqd.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func TestOpenDisabled(t *testing.T) {
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: store=%v err=%v", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
}

func TestAppendAndRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	for name, st := range openBoth(t) {
		t.Run(name, func(t *testing.T) {
			for i := 1; i <= 3; i++ {
				if err := st.AppendOutcome(ctx, sampleOutcome(i, action.StateDone)); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}
			fail := sampleOutcome(4, action.StateFailed)
			fail.Error = "boom"
			fail.StartedAt = time.Time{}
			if err := st.AppendOutcome(ctx, fail); err != nil {
				t.Fatalf("append failed outcome: %v", err)
			}

			got, err := st.RecentOutcomes(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].ID != "id-4" || got[1].ID != "id-3" {
				t.Fatalf("order = %s,%s", got[0].ID, got[1].ID)
			}
			if got[0].State != action.StateFailed || got[0].Error != "boom" {
				t.Fatalf("failed outcome = %+v", got[0])
			}
			if !got[0].StartedAt.IsZero() {
				t.Fatalf("started_at should stay zero, got %v", got[0].StartedAt)
			}
			if !got[1].Args.Has("power") {
				t.Fatalf("args lost: %+v", got[1].Args)
			}
			if !got[1].FinishedAt.Equal(sampleOutcome(3, action.StateDone).FinishedAt) {
				t.Fatalf("finished_at = %v", got[1].FinishedAt)
			}
		})
	}
}

func TestFileStoreReplaysOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "acqd.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		if err := st.AppendOutcome(ctx, sampleOutcome(i, action.StateExpired)); err != nil {
			t.Fatal(err)
		}
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	got, err := st.RecentOutcomes(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 || got[0].ID != "id-5" {
		t.Fatalf("replayed %d outcomes, first=%v", len(got), got)
	}
}

func TestSQLiteMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acqd.db")
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if err := st.(*sqliteStore).migrate(context.Background()); err != nil {
			t.Fatalf("migrate %d: %v", i, err)
		}
		_ = st.Close()
	}
}

func TestClampLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultRecentLimit},
		{-3, DefaultRecentLimit},
		{7, 7},
		{MaxRecentLimit + 1, MaxRecentLimit},
	}
	for _, tt := range tests {
		if got := clampLimit(tt.in); got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRecorderWritesTerminalOutcomes(t *testing.T) {
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "acqd.db")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	defer rec.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	bus.Publish(eventbus.Event{Type: action.EventSubmitted, Data: sampleOutcome(1, action.StateQueued)})
	bus.Publish(eventbus.Event{Type: action.EventStarted, Data: sampleOutcome(1, action.StateRunning)})
	bus.Publish(eventbus.Event{Type: action.EventDone, Data: sampleOutcome(1, action.StateDone)})
	bus.Publish(eventbus.Event{Type: action.EventKilled, Data: sampleOutcome(2, action.StateKilled)})
	bus.Publish(eventbus.Event{Type: action.EventPaused, Data: map[string]string{"reason": "x"}})

	deadline := time.Now().Add(2 * time.Second)
	var got []action.Outcome
	for time.Now().Before(deadline) {
		got, err = st.RecentOutcomes(context.Background(), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if len(got) != 2 {
		t.Fatalf("recorded %d outcomes, want 2: %+v", len(got), got)
	}
	if got[0].State != action.StateKilled || got[1].State != action.StateDone {
		t.Fatalf("states = %s,%s", got[0].State, got[1].State)
	}
}
