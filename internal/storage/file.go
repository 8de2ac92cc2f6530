package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"acqd/internal/action"
	logx "acqd/pkg/logx"
)

// fileStore appends one JSON object per line to <prefix>.outcomes.jsonl.
// The newest MaxRecentLimit records are kept in memory for RecentOutcomes;
// they are replayed from the file on open.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	f      *os.File
	recent []action.Outcome
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	outPath := filepath.Join(dir, base+".outcomes.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	recent, skipped, err := replayOutcomes(outPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("outcome journal replay failed", logx.String("path", outPath), logx.Err(err))
	}
	if skipped > 0 {
		log.Warn("skipped malformed outcome lines", logx.Int("count", skipped), logx.String("path", outPath))
	}

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, f: f, recent: recent}, nil
}

func replayOutcomes(path string) ([]action.Outcome, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var out []action.Outcome
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		var o action.Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil || o.ID == "" {
			skipped++
			continue
		}
		out = append(out, o)
		if len(out) > 2*MaxRecentLimit {
			out = append([]action.Outcome(nil), out[len(out)-MaxRecentLimit:]...)
		}
	}
	if len(out) > MaxRecentLimit {
		out = out[len(out)-MaxRecentLimit:]
	}
	return out, skipped, sc.Err()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendOutcome(_ context.Context, o action.Outcome) error {
	b, err := json.Marshal(o)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("outcome journal closed")
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.recent = append(s.recent, o)
	if len(s.recent) > 2*MaxRecentLimit {
		s.recent = append([]action.Outcome(nil), s.recent[len(s.recent)-MaxRecentLimit:]...)
	}
	return nil
}

func (s *fileStore) RecentOutcomes(_ context.Context, limit int) ([]action.Outcome, error) {
	limit = clampLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.recent)
	if limit > n {
		limit = n
	}
	out := make([]action.Outcome, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}
