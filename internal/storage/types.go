package storage

import (
	"context"
	"errors"
	"time"

	"acqd/internal/action"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the recorder and the HTTP surface.
type Store interface {
	AppendOutcome(ctx context.Context, o action.Outcome) error
	// RecentOutcomes returns up to limit outcomes, newest first.
	RecentOutcomes(ctx context.Context, limit int) ([]action.Outcome, error)
	Close() error
}

const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		return MaxRecentLimit
	}
	return limit
}
