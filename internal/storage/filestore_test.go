package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"

	internalerrors "github.com/mpz/devops/tools/rds-run-scheduler/internal/errors"
	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

func TestFileStore_SaveAndGet(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFileStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	run := createTestRun("run-1", time.Now())

	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	files, _ := filepath.Glob(filepath.Join(tmpDir, "runs", run.ID, ".tmp-*"))
	if len(files) > 0 {
		t.Errorf("temp files remaining after save: %v", files)
	}

	loaded, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.ID != run.ID || loaded.Request.TagKey != "WorkHoursRunning" {
		t.Errorf("unexpected run: %+v", loaded)
	}
	if len(loaded.Branches) != 1 || loaded.Branches[0].Outcome != types.OutcomeConverged {
		t.Errorf("branches not round-tripped: %+v", loaded.Branches)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, internalerrors.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestFileStore_SaveInvalidRun(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.SaveRun(context.Background(), &types.RunRecord{ID: "x"}); err == nil {
		t.Error("expected validation error")
	}
}

func TestFileStore_ListRunsNewestFirst(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	base := time.Now()
	for i, id := range []string{"old", "new", "mid"} {
		offsets := []time.Duration{-2 * time.Hour, 0, -time.Hour}
		if err := store.SaveRun(ctx, createTestRun(id, base.Add(offsets[i]))); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" || runs[1].ID != "mid" || runs[2].ID != "old" {
		t.Errorf("unexpected order: %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	if err := store.DeleteRun(ctx, "mid"); err != nil {
		t.Fatalf("DeleteRun failed: %v", err)
	}
	runs, _ = store.ListRuns(ctx)
	if len(runs) != 2 {
		t.Errorf("expected 2 runs after delete, got %d", len(runs))
	}
}

func TestFileStore_CorruptedRunRecovery(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFileStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()

	if err := store.SaveRun(ctx, createTestRun("valid-run", time.Now())); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	corruptDir := filepath.Join(tmpDir, "runs", "corrupt-run")
	if err := os.MkdirAll(corruptDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(corruptDir, "run.json"), []byte("not valid json{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	invalidDir := filepath.Join(tmpDir, "runs", "invalid-run")
	if err := os.MkdirAll(invalidDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	invalidData, _ := json.Marshal(map[string]any{
		"id":    "invalid-run",
		"state": "exploded",
	})
	if err := os.WriteFile(filepath.Join(invalidDir, "run.json"), invalidData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	runs, events, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}
	if _, ok := runs["valid-run"]; !ok {
		t.Error("expected valid-run to be loaded")
	}
	if _, ok := events["valid-run"]; !ok {
		t.Error("expected events entry for valid-run")
	}
}

func TestFileStore_CorruptedEventRecovery(t *testing.T) {
	tmpDir := t.TempDir()

	store, err := NewFileStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	run := createTestRun("test-run", time.Now())
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	first := types.Event{ID: "event-1", RunID: run.ID, Type: "run_started", Message: "Run started", Timestamp: time.Now()}
	if err := store.AppendEvent(ctx, first); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	eventsDir := filepath.Join(tmpDir, "runs", run.ID, "events")
	if err := os.WriteFile(filepath.Join(eventsDir, "0002-corrupt.json"), []byte("not json{"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	second := types.Event{ID: "event-3", RunID: run.ID, Type: "branch_done", Message: "Branch done", Timestamp: time.Now()}
	if err := store.AppendEvent(ctx, second); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	_, events, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	got := events[run.ID]
	if len(got) != 2 {
		t.Fatalf("expected 2 valid events, got %d", len(got))
	}
	if got[0].ID != "event-1" || got[1].ID != "event-3" {
		t.Errorf("events out of order: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestFileStore_InterruptedRunMarkedFailed(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ctx := context.Background()
	run := createTestRun("interrupted", time.Now())
	run.State = types.RunRunning
	run.CompletedAt = nil
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	runs, _, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if runs["interrupted"].State != types.RunFailed {
		t.Errorf("expected interrupted run to be failed, got %s", runs["interrupted"].State)
	}

	persisted, err := store.GetRun(ctx, "interrupted")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if persisted.State != types.RunFailed {
		t.Errorf("expected persisted state failed, got %s", persisted.State)
	}
}

func TestFileStore_TempFileCleanup(t *testing.T) {
	tmpDir := t.TempDir()

	runDir := filepath.Join(tmpDir, "runs", "test-run")
	eventsDir := filepath.Join(runDir, "events")
	if err := os.MkdirAll(eventsDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	orphaned := []string{
		filepath.Join(runDir, "run.json.tmp"),
		filepath.Join(runDir, ".tmp-abc123"),
		filepath.Join(eventsDir, ".tmp-event"),
	}
	for _, f := range orphaned {
		if err := os.WriteFile(f, []byte("temp data"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}

	validData, _ := json.MarshalIndent(createTestRun("test-run", time.Now()), "", "  ")
	if err := os.WriteFile(filepath.Join(runDir, "run.json"), validData, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	store, err := NewFileStore(tmpDir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	if _, _, err := store.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}

	for _, f := range orphaned {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("orphaned temp file should be removed: %s", f)
		}
	}
	if _, err := os.Stat(filepath.Join(runDir, "run.json")); err != nil {
		t.Error("valid run file should still exist")
	}
}

// createTestRun creates a completed run with one converged branch.
func createTestRun(id string, startedAt time.Time) *types.RunRecord {
	completed := startedAt.Add(3 * time.Minute)
	return &types.RunRecord{
		ID:         id,
		Request:    types.NewScheduleRequest(types.ModeStart, "WorkHoursRunning", "YES"),
		State:      types.RunSucceeded,
		Discovered: []string{"arn:aws:rds:us-east-1:123456789012:db:db-instance-1a"},
		Branches: []types.BranchResult{
			{
				Address:     "arn:aws:rds:us-east-1:123456789012:db:db-instance-1a",
				State:       types.BranchDone,
				Outcome:     types.OutcomeConverged,
				FinalStatus: "available",
				Commands:    1,
				Polls:       3,
				Notified:    true,
				StartedAt:   startedAt,
				CompletedAt: &completed,
			},
		},
		StartedAt:   startedAt,
		CompletedAt: &completed,
	}
}
