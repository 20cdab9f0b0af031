package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/constants"
	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// FileStore implements Store using the filesystem.
// Structure:
//
//	{dataDir}/
//	└── runs/
//	    └── {run-id}/
//	        ├── run.json                 # Current run state
//	        └── events/
//	            ├── 0001-{timestamp}-{type}.json
//	            └── ...
type FileStore struct {
	dataDir  string
	mu       sync.RWMutex
	counters map[string]*atomic.Int64 // run ID -> event sequence
}

// NewFileStore creates a new file-based store.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "runs"), constants.DefaultDirMode); err != nil {
		return nil, errors.Wrap(err, "create runs directory")
	}

	return &FileStore{
		dataDir:  dataDir,
		counters: make(map[string]*atomic.Int64),
	}, nil
}

func (s *FileStore) runsDir() string {
	return filepath.Join(s.dataDir, "runs")
}

func (s *FileStore) runDir(runID string) string {
	return filepath.Join(s.runsDir(), runID)
}

func (s *FileStore) runFile(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *FileStore) eventsDir(runID string) string {
	return filepath.Join(s.runDir(runID), "events")
}

// SaveRun persists the current state of a run.
func (s *FileStore) SaveRun(ctx context.Context, run *types.RunRecord) error {
	if err := run.Validate(); err != nil {
		return errors.Wrap(err, "invalid run")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.eventsDir(run.ID), constants.DefaultDirMode); err != nil {
		return errors.Wrap(err, "create run directory")
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run")
	}

	if err := atomicWriteFile(s.runFile(run.ID), data, constants.DefaultFileMode); err != nil {
		return errors.Wrap(err, "write run file")
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *FileStore) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.runFile(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(internalerrors.ErrRunNotFound, id)
		}
		return nil, errors.Wrap(err, "read run file")
	}

	var run types.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, errors.Wrap(err, "unmarshal run")
	}

	return &run, nil
}

// CorruptedFile represents a file that could not be loaded due to corruption.
type CorruptedFile struct {
	Path  string
	Error error
}

// ListRuns returns all runs, newest first.
func (s *FileStore) ListRuns(ctx context.Context) ([]*types.RunRecord, error) {
	runs, _, err := s.listRunsWithCorrupted()
	return runs, err
}

func (s *FileStore) listRunsWithCorrupted() ([]*types.RunRecord, []CorruptedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrap(err, "read runs directory")
	}

	var runs []*types.RunRecord
	var corrupted []CorruptedFile

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		path := s.runFile(entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: err})
			continue
		}

		var run types.RunRecord
		if err := json.Unmarshal(data, &run); err != nil {
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: err})
			continue
		}
		if err := run.Validate(); err != nil {
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: errors.Wrap(err, "validation failed")})
			continue
		}
		runs = append(runs, &run)
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})

	return runs, corrupted, nil
}

// DeleteRun removes a run and all its events.
func (s *FileStore) DeleteRun(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.runDir(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove run directory")
	}

	delete(s.counters, id)
	return nil
}

func (s *FileStore) counter(runID string) *atomic.Int64 {
	c, ok := s.counters[runID]
	if !ok {
		c = &atomic.Int64{}
		s.counters[runID] = c
	}
	return c
}

// AppendEvent adds an event to a run's event log.
func (s *FileStore) AppendEvent(ctx context.Context, event types.Event) error {
	if err := event.Validate(); err != nil {
		return errors.Wrap(err, "invalid event")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.eventsDir(event.RunID)
	if err := os.MkdirAll(dir, constants.DefaultDirMode); err != nil {
		return errors.Wrap(err, "create events directory")
	}

	seq := s.counter(event.RunID).Add(1)

	// sequence first so lexical order is append order
	filename := fmt.Sprintf("%04d-%s-%s.json",
		seq,
		event.Timestamp.Format("20060102T150405"),
		sanitizeFilename(event.Type),
	)

	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	if err := atomicWriteFile(filepath.Join(dir, filename), data, constants.DefaultFileMode); err != nil {
		return errors.Wrap(err, "write event file")
	}

	return nil
}

// GetEvents retrieves all events for a run in append order.
func (s *FileStore) GetEvents(ctx context.Context, runID string) ([]types.Event, error) {
	events, _, err := s.getEventsWithCorrupted(runID)
	return events, err
}

func (s *FileStore) getEventsWithCorrupted(runID string) ([]types.Event, []CorruptedFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := s.eventsDir(runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, errors.Wrap(err, "read events directory")
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var events []types.Event
	var corrupted []CorruptedFile

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: err})
			continue
		}

		var event types.Event
		if err := json.Unmarshal(data, &event); err != nil {
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: err})
			continue
		}
		if err := event.Validate(); err != nil {
			corrupted = append(corrupted, CorruptedFile{Path: path, Error: errors.Wrap(err, "validation failed")})
			continue
		}
		events = append(events, event)
	}

	return events, corrupted, nil
}

// LoadAll loads all runs and events from storage, skipping corrupted files.
// Runs left in the running state by a crashed process are marked failed.
func (s *FileStore) LoadAll(ctx context.Context) (map[string]*types.RunRecord, map[string][]types.Event, error) {
	if err := s.cleanupTempFiles(); err != nil {
		slog.Warn("failed to cleanup temp files", "error", err)
	}

	runs := make(map[string]*types.RunRecord)
	events := make(map[string][]types.Event)

	list, corruptedRuns, err := s.listRunsWithCorrupted()
	if err != nil {
		return nil, nil, errors.Wrap(err, "list runs")
	}

	for _, cf := range corruptedRuns {
		slog.Error("skipping corrupted run file", "path", cf.Path, "error", cf.Error)
	}

	for _, run := range list {
		runs[run.ID] = run

		runEvents, corruptedEvents, err := s.getEventsWithCorrupted(run.ID)
		if err != nil {
			slog.Error("failed to load events for run, skipping", "run_id", run.ID, "error", err)
			continue
		}
		for _, cf := range corruptedEvents {
			slog.Warn("skipping corrupted event file", "run_id", run.ID, "path", cf.Path, "error", cf.Error)
		}
		events[run.ID] = runEvents

		// count corrupted files too so new sequence numbers never collide
		s.mu.Lock()
		s.counter(run.ID).Store(int64(len(runEvents) + len(corruptedEvents)))
		s.mu.Unlock()

		if run.State == types.RunRunning {
			run.State = types.RunFailed
			run.Error = "interrupted: process exited before the run completed"
			if err := s.SaveRun(ctx, run); err != nil {
				slog.Warn("failed to mark interrupted run", "run_id", run.ID, "error", err)
			}
		}
	}

	if len(corruptedRuns) > 0 {
		slog.Warn("some run files were corrupted and skipped", "count", len(corruptedRuns))
	}

	return runs, events, nil
}

// sanitizeFilename removes characters that are problematic in filenames.
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return replacer.Replace(s)
}

// atomicWriteFile writes data to a temp file in the same directory, fsyncs
// it, then renames it over path.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return errors.Wrap(err, "write to temp file")
	}
	if err := tmpFile.Sync(); err != nil {
		return errors.Wrap(err, "sync temp file")
	}
	if err := tmpFile.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return errors.Wrap(err, "chmod temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "rename temp file")
	}

	success = true
	return nil
}

// cleanupTempFiles removes orphaned temp files left behind by crashes during writes.
func (s *FileStore) cleanupTempFiles() error {
	return filepath.Walk(s.runsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		name := info.Name()
		if strings.HasSuffix(name, ".tmp") || strings.HasPrefix(name, ".tmp-") {
			slog.Warn("removing orphaned temp file", "path", path)
			os.Remove(path)
		}
		return nil
	})
}
