package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	runsFileName     = "runs.jsonl"
	dedupSnapName    = "dedup.json"
	dedupJournalName = "dedup.journal.jsonl"

	// Journal compaction threshold. Each Put/Prune appends a line; once the
	// journal outgrows this, the merged state is rewritten as a snapshot.
	journalCompactLines = 512

	// maxRunScanBytes bounds how much of the tail RecentRuns will read.
	maxRunScanBytes = 4 << 20
)

type fileStore struct {
	dir string

	mu    sync.Mutex
	runs  *os.File
	dedup map[string]time.Time
	jrn   *os.File
	jrnN  int
}

type dedupJournalEntry struct {
	Op    string    `json:"op"` // "put" or "del"
	Key   string    `json:"key"`
	Until time.Time `json:"until,omitempty"`
}

func newFileStore(dir string) (*fileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	s := &fileStore{dir: dir, dedup: make(map[string]time.Time)}

	runs, err := os.OpenFile(filepath.Join(dir, runsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open run log: %w", err)
	}
	s.runs = runs

	if err := s.loadDedup(); err != nil {
		_ = runs.Close()
		return nil, err
	}
	jrn, err := os.OpenFile(filepath.Join(dir, dedupJournalName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = runs.Close()
		return nil, fmt.Errorf("storage: open dedup journal: %w", err)
	}
	s.jrn = jrn
	return s, nil
}

// loadDedup restores snapshot state then replays the journal over it.
func (s *fileStore) loadDedup() error {
	snapPath := filepath.Join(s.dir, dedupSnapName)
	if b, err := os.ReadFile(snapPath); err == nil && len(b) > 0 {
		if err := json.Unmarshal(b, &s.dedup); err != nil {
			return fmt.Errorf("storage: corrupt dedup snapshot: %w", err)
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("storage: read dedup snapshot: %w", err)
	}

	f, err := os.Open(filepath.Join(s.dir, dedupJournalName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("storage: open dedup journal: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e dedupJournalEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line after a crash is expected; stop replay there.
			break
		}
		switch e.Op {
		case "put":
			s.dedup[e.Key] = e.Until
		case "del":
			delete(s.dedup, e.Key)
		}
		s.jrnN++
	}
	return sc.Err()
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: marshal run: %w", err)
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		return errors.New("storage: closed")
	}
	_, err = s.runs.Write(b)
	return err
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(filepath.Join(s.dir, runsFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Read only the file tail; run logs can grow without bound.
	var offset int64
	if fi, err := f.Stat(); err == nil && fi.Size() > maxRunScanBytes {
		offset = fi.Size() - maxRunScanBytes
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
	}

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if first {
			first = false
			// When starting mid-file the first line is likely partial.
			if offset > 0 {
				continue
			}
		}
		if len(line) == 0 {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jrn == nil {
		return errors.New("storage: closed")
	}
	s.dedup[key] = until
	return s.appendJournalLocked(dedupJournalEntry{Op: "put", Key: key, Until: until})
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.dedup[key]
	return until, ok, nil
}

func (s *fileStore) PruneDedup(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jrn == nil {
		return 0, errors.New("storage: closed")
	}

	n := 0
	for key, until := range s.dedup {
		if !until.After(now) {
			delete(s.dedup, key)
			if err := s.appendJournalLocked(dedupJournalEntry{Op: "del", Key: key}); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		// A prune touched many keys; fold the journal into the snapshot now
		// rather than waiting for the line threshold.
		if err := s.compactLocked(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *fileStore) appendJournalLocked(e dedupJournalEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.jrn.Write(b); err != nil {
		return err
	}
	s.jrnN++
	if s.jrnN >= journalCompactLines {
		return s.compactLocked()
	}
	return nil
}

// compactLocked rewrites the snapshot from in-memory state and truncates
// the journal. Written sideways then renamed so a crash never leaves a
// half-written snapshot as the only copy.
func (s *fileStore) compactLocked() error {
	snapPath := filepath.Join(s.dir, dedupSnapName)
	tmp := snapPath + ".tmp"

	b, err := json.Marshal(s.dedup)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, snapPath); err != nil {
		return err
	}

	if err := s.jrn.Truncate(0); err != nil {
		return err
	}
	if _, err := s.jrn.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.jrnN = 0
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.jrn != nil {
		// Best-effort final compaction keeps startup replay short.
		if err := s.compactLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.jrn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.jrn = nil
	}
	if s.runs != nil {
		if err := s.runs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.runs = nil
	}
	return firstErr
}
