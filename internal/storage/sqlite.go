package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"acqd/internal/action"
	logx "acqd/pkg/logx"
)

// schema is applied in order on open. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS outcomes (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL,
		target       TEXT NOT NULL,
		args         TEXT NOT NULL DEFAULT '{}',
		priority     REAL NOT NULL,
		source       TEXT NOT NULL DEFAULT '',
		state        TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		started_at   TEXT,
		finished_at  TEXT,
		err          TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_id ON outcomes(id)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_state ON outcomes(state)`,
}

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		log.Debug("sqlite WAL unavailable", logx.Err(err))
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendOutcome(ctx context.Context, o action.Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	args, err := json.Marshal(o.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, target, args, priority, source, state, submitted_at, started_at, finished_at, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.Target, string(args), o.Priority, o.Source, string(o.State),
		fmtTime(o.SubmittedAt), nullTime(o.StartedAt), nullTime(o.FinishedAt), nullStr(o.Error),
	)
	return err
}

func (s *sqliteStore) RecentOutcomes(ctx context.Context, limit int) ([]action.Outcome, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, args, priority, source, state, submitted_at, started_at, finished_at, err
		 FROM outcomes ORDER BY seq DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []action.Outcome
	for rows.Next() {
		var (
			o                  action.Outcome
			args, state, subAt string
			startAt, finAt     sql.NullString
			errText            sql.NullString
		)
		if err := rows.Scan(&o.ID, &o.Target, &args, &o.Priority, &o.Source, &state, &subAt, &startAt, &finAt, &errText); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &o.Args); err != nil {
			s.log.Debug("outcome args unreadable", logx.String("id", o.ID), logx.Err(err))
		}
		o.State = action.State(state)
		o.SubmittedAt = parseTime(subAt)
		o.StartedAt = parseTime(startAt.String)
		o.FinishedAt = parseTime(finAt.String)
		o.Error = errText.String
		out = append(out, o)
	}
	return out, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
