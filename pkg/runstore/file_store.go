package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nnennaai/nai/pkg/domain"
)

// FileStore persists each run as a JSON file named run_<id>.json under a
// single directory. Writes go through a temp file and rename so a crash
// mid-write never leaves a truncated record behind.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the run directory if needed and returns a store over it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, "run_"+runID+".json")
}

// Append writes the record to disk.
func (s *FileStore) Append(_ context.Context, record *domain.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", record.RunID, err)
	}

	tmp := s.path(record.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run %s: %w", record.RunID, err)
	}
	if err := os.Rename(tmp, s.path(record.RunID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit run %s: %w", record.RunID, err)
	}
	return nil
}

// Get reads one record from disk.
func (s *FileStore) Get(_ context.Context, runID string) (*domain.RunRecord, error) {
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}

	var record domain.RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return &record, nil
}

// List scans the run directory and returns summaries of runs started within
// [from, to), newest first. Files that fail to decode are skipped rather than
// failing the whole listing.
func (s *FileStore) List(ctx context.Context, from, to time.Time) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read run dir %s: %w", s.dir, err)
	}

	var out []Summary
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "run_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		runID := strings.TrimSuffix(strings.TrimPrefix(name, "run_"), ".json")
		record, err := s.Get(ctx, runID)
		if err != nil {
			continue
		}
		if !inRange(record.StartedAt, from, to) {
			continue
		}
		out = append(out, summarize(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt > out[j].StartedAt })
	return out, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error {
	return nil
}
