package action

import (
	"math"
	"time"

	"acqd/internal/instrument"
)

const (
	DefaultPriority = 10.0
	DefaultTimeout  = 1e6 * time.Second

	// NoMaxDuration disables the watchdog for an action.
	NoMaxDuration time.Duration = math.MaxInt64

	defaultHistorySize = 200
)

// State is the lifecycle position of a single action.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	StateDone    State = "done"
	StateExpired State = "expired"
	StateKilled  State = "killed"
	// StateFailed covers resolution, callable and probe failures. They are
	// logged and never retried.
	StateFailed State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateDone, StateExpired, StateKilled, StateFailed:
		return true
	}
	return false
}

// Event types published on the bus.
const (
	EventSubmitted = "action.submitted"
	EventStarted   = "action.started"
	EventDone      = "action.done"
	EventExpired   = "action.expired"
	EventFailed    = "action.failed"
	EventKilled    = "action.killed"

	EventPaused  = "scheduler.paused"
	EventResumed = "scheduler.resumed"
)

func eventFor(st State) string {
	switch st {
	case StateQueued:
		return EventSubmitted
	case StateRunning:
		return EventStarted
	case StateDone:
		return EventDone
	case StateExpired:
		return EventExpired
	case StateKilled:
		return EventKilled
	default:
		return EventFailed
	}
}

// Action is immutable once enqueued.
type Action struct {
	ID          string          `json:"id"`
	Target      string          `json:"target"`
	Args        instrument.Args `json:"args"`
	Priority    float64         `json:"priority"`
	Seq         uint64          `json:"seq"`
	Source      string          `json:"source,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	MaxDuration time.Duration   `json:"max_duration"`
}

// HasMaxDuration reports whether the watchdog bounds this action.
func (a Action) HasMaxDuration() bool { return a.MaxDuration != NoMaxDuration }

// Running is the view of the action currently occupying the slot.
type Running struct {
	Action
	StartedAt time.Time `json:"started_at"`
	// Deadline is zero when the action has no max duration.
	Deadline time.Time `json:"deadline,omitempty"`
}

// Outcome is a lifecycle record. It is the payload of every action.* event and
// the element type of the in-memory history.
type Outcome struct {
	ID          string          `json:"id"`
	Target      string          `json:"target"`
	Args        instrument.Args `json:"args,omitempty"`
	Priority    float64         `json:"priority"`
	Source      string          `json:"source,omitempty"`
	State       State           `json:"state"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func outcomeOf(a Action, st State) Outcome {
	return Outcome{
		ID:          a.ID,
		Target:      a.Target,
		Args:        a.Args,
		Priority:    a.Priority,
		Source:      a.Source,
		State:       st,
		SubmittedAt: a.SubmittedAt,
	}
}

// Snapshot is a point-in-time view of the scheduler.
type Snapshot struct {
	Paused    bool      `json:"paused"`
	Current   *Running  `json:"current"`
	Queue     []Action  `json:"queue"`
	History   []Outcome `json:"history"`
	Submitted uint64    `json:"submitted"`
}

// Listener observes queue membership changes and transitions of the running
// slot. It runs synchronously in the mutating goroutine and must not block.
type Listener func()

type ListenerID uint64
