package runstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "runs.json"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)

	run, err := s.CreateRun("TICK-101", "full", "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.RunID == "" {
		t.Error("RunID should not be empty")
	}
	if run.Status != RunQueued {
		t.Errorf("Status = %q, want %q", run.Status, RunQueued)
	}
	if run.WorkItemID != "TICK-101" {
		t.Errorf("WorkItemID = %q, want TICK-101", run.WorkItemID)
	}

	got, err := s.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Mode != "full" {
		t.Errorf("Mode = %q, want full", got.Mode)
	}
}

func TestGetRunReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-1", "full", "")

	got, _ := s.GetRun(run.RunID)
	got.Artifacts["x"] = "mutated"
	got.Status = RunFailed

	again, _ := s.GetRun(run.RunID)
	if again.Status != RunQueued {
		t.Errorf("caller mutation leaked: Status = %q", again.Status)
	}
	if _, ok := again.Artifacts["x"]; ok {
		t.Error("caller mutation leaked into Artifacts")
	}
}

func TestStageUpdatedInPlace(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-2", "full", "")
	if err := s.StartRun(run.RunID); err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	now := time.Now().UTC()
	if err := s.UpdateStage(run.RunID, StageRecord{Name: "generate", Status: StageRunning, StartedAt: &now}); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}
	if err := s.UpdateStage(run.RunID, StageRecord{Name: "generate", Status: StagePassed, Message: "ok"}); err != nil {
		t.Fatalf("UpdateStage: %v", err)
	}

	got, _ := s.GetRun(run.RunID)
	if len(got.Stages) != 1 {
		t.Fatalf("stage recorded %d times, want 1", len(got.Stages))
	}
	if got.Stages[0].Status != StagePassed {
		t.Errorf("Status = %q, want passed", got.Stages[0].Status)
	}
}

func TestCompleteRunExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-3", "full", "")
	_ = s.StartRun(run.RunID)

	if err := s.CompleteRun(run.RunID, RunCompleted, ""); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}
	if err := s.CompleteRun(run.RunID, RunFailed, "again"); err == nil {
		t.Error("second CompleteRun should fail")
	}

	got, _ := s.GetRun(run.RunID)
	if got.Status != RunCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestCrashRecoveryFailsOrphanedRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	s, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	run, _ := s.CreateRun("TICK-4", "full", "")
	_ = s.StartRun(run.RunID)
	now := time.Now().UTC()
	_ = s.UpdateStage(run.RunID, StageRecord{Name: "execute", Status: StageRunning, StartedAt: &now})

	queued, _ := s.CreateRun("TICK-5", "full", "")

	// Simulate a process restart by reopening the same file.
	s2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	for _, id := range []string{run.RunID, queued.RunID} {
		got, err := s2.GetRun(id)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", id, err)
		}
		if got.Status != RunFailed {
			t.Errorf("run %s Status = %q, want failed", id, got.Status)
		}
		if got.Error == "" {
			t.Errorf("run %s should carry an explanatory error", id)
		}
	}

	got, _ := s2.GetRun(run.RunID)
	if got.Stages[0].Status != StageFailed {
		t.Errorf("running stage Status = %q, want failed", got.Stages[0].Status)
	}
}

func TestRetentionEvictsOldestTerminalOnly(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.json"), 3)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	oldest, _ := s.CreateRun("TICK-old", "full", "")
	_ = s.StartRun(oldest.RunID)
	_ = s.CompleteRun(oldest.RunID, RunCompleted, "")

	inflight, _ := s.CreateRun("TICK-live", "full", "")
	_ = s.StartRun(inflight.RunID)

	_, _ = s.CreateRun("TICK-a", "full", "")
	_, _ = s.CreateRun("TICK-b", "full", "")

	if _, err := s.GetRun(oldest.RunID); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest terminal run should be evicted, err = %v", err)
	}
	if _, err := s.GetRun(inflight.RunID); err != nil {
		t.Errorf("in-flight run must never be evicted: %v", err)
	}
}

func TestForceCancelFailsRunningStages(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-6", "full", "")
	_ = s.StartRun(run.RunID)
	now := time.Now().UTC()
	_ = s.UpdateStage(run.RunID, StageRecord{Name: "heal", Status: StageRunning, StartedAt: &now})

	if err := s.ForceCancelRun(run.RunID, "stuck"); err != nil {
		t.Fatalf("ForceCancelRun: %v", err)
	}

	got, _ := s.GetRun(run.RunID)
	if got.Status != RunFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.Stages[0].Status != StageFailed || got.Stages[0].Message != "stuck" {
		t.Errorf("stage = %+v, want failed/stuck", got.Stages[0])
	}
}

func TestGetStaleRuns(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-7", "full", "")
	_ = s.StartRun(run.RunID)

	stale, err := s.GetStaleRuns(0)
	if err != nil {
		t.Fatalf("GetStaleRuns: %v", err)
	}
	if len(stale) != 1 || stale[0].RunID != run.RunID {
		t.Fatalf("stale = %v, want the running run", stale)
	}

	stale, _ = s.GetStaleRuns(time.Hour)
	if len(stale) != 0 {
		t.Errorf("young run reported stale: %v", stale)
	}
}

func TestBatchStatusDerived(t *testing.T) {
	s := newTestStore(t)

	a, _ := s.CreateRun("TICK-8", "full", "")
	b, _ := s.CreateRun("TICK-9", "full", "")
	batch, err := s.CreateBatch([]string{a.RunID, b.RunID})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}

	st, _ := s.GetBatchStatus(batch.BatchID)
	if st.Completed {
		t.Error("batch with queued members reported completed")
	}
	if st.InFlight != 2 {
		t.Errorf("InFlight = %d, want 2", st.InFlight)
	}

	_ = s.StartRun(a.RunID)
	_ = s.CompleteRun(a.RunID, RunCompleted, "")
	_ = s.StartRun(b.RunID)
	_ = s.CompleteRun(b.RunID, RunFailed, "boom")

	st, _ = s.GetBatchStatus(batch.BatchID)
	if !st.Completed {
		t.Error("batch with all-terminal members should be completed")
	}
	if st.Passed != 1 || st.Failed != 1 {
		t.Errorf("Passed/Failed = %d/%d, want 1/1", st.Passed, st.Failed)
	}
}

func TestBatchStatusCountsEvictedMembers(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "runs.json"), 2)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	a, _ := s.CreateRun("TICK-1", "full", "")
	b, _ := s.CreateRun("TICK-2", "full", "")
	batch, err := s.CreateBatch([]string{a.RunID, b.RunID})
	if err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	_ = s.StartRun(a.RunID)
	_ = s.CompleteRun(a.RunID, RunCompleted, "")
	_ = s.StartRun(b.RunID)
	_ = s.CompleteRun(b.RunID, RunFailed, "boom")

	// A third run pushes the ledger past its cap, evicting the oldest
	// terminal member.
	if _, err := s.CreateRun("TICK-3", "full", ""); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if _, err := s.GetRun(a.RunID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRun(a) = %v, want eviction", err)
	}

	st, err := s.GetBatchStatus(batch.BatchID)
	if err != nil {
		t.Fatalf("GetBatchStatus: %v", err)
	}
	if st.Total != 2 {
		t.Errorf("Total = %d, want 2", st.Total)
	}
	if st.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", st.Evicted)
	}
	if st.Failed != 1 {
		t.Errorf("Failed = %d, want 1", st.Failed)
	}
	if !st.Completed {
		t.Error("batch with only terminal or evicted members should be completed")
	}
}

func TestCancelRunCooperative(t *testing.T) {
	s := newTestStore(t)
	run, _ := s.CreateRun("TICK-10", "full", "")
	_ = s.StartRun(run.RunID)

	if err := s.CancelRun(run.RunID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	got, _ := s.GetRun(run.RunID)
	if got.Status != RunCancelled {
		t.Errorf("Status = %q, want cancelled", got.Status)
	}
}
