package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxLineBytes bounds a single JSONL record; checkpoint snapshots dominate.
const maxLineBytes = 16 << 20

// FileStore persists audit records as append-only JSON lines, one file per
// run. Readers tolerate a truncated final line, which a crash mid-append
// leaves behind.
type FileStore struct {
	dir string

	mu      sync.Mutex
	handles map[string]*os.File
	closed  bool
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("audit: directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: create trail directory: %w", err)
	}
	return &FileStore{dir: dir, handles: make(map[string]*os.File)}, nil
}

// Path returns the trail file path of the run.
func (s *FileStore) Path(runID string) string {
	return filepath.Join(s.dir, sanitizeRunID(runID)+".jsonl")
}

// Append implements Store. Each record becomes one self-delimited JSON line.
func (s *FileStore) Append(_ context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("audit: file store closed")
	}
	f, err := s.handle(rec.RunID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: append to %s: %w", f.Name(), err)
	}
	return nil
}

// List implements Store. Decoding stops at the first malformed line so a
// partial final line from a crash truncates the log instead of failing it.
func (s *FileStore) List(_ context.Context, runID string, afterIndex int64, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, errors.New("audit: limit must be > 0")
	}
	f, err := os.Open(s.Path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open trail: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var out []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			break
		}
		if rec.Index <= afterIndex {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, bufio.ErrTooLong) {
		return nil, fmt.Errorf("audit: read trail: %w", err)
	}
	return out, nil
}

// Close flushes and closes every open trail file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var first error
	for _, f := range s.handles {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.handles = nil
	return first
}

// handle returns the cached append handle for the run, opening it on first
// use. Caller holds s.mu.
func (s *FileStore) handle(runID string) (*os.File, error) {
	if f, ok := s.handles[runID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(s.Path(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: open trail for append: %w", err)
	}
	s.handles[runID] = f
	return f, nil
}

// sanitizeRunID keeps run-derived file names free of path separators.
func sanitizeRunID(runID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, runID)
}
