// Package runstore is the durable run ledger: a single JSON document of
// pipeline runs and batches, rewritten atomically on every mutation.
package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunarbay/scriptmill/internal/fsjson"
)

// ErrNotFound is returned when a run or batch ID is unknown.
var ErrNotFound = fmt.Errorf("not found")

// DefaultMaxRuns caps how many terminal runs are retained before the
// oldest are evicted.
const DefaultMaxRuns = 200

// Store manages the run ledger file. Safe for concurrent use; it is the
// single synchronization point shared by concurrent runners.
type Store struct {
	mu      sync.Mutex
	path    string
	maxRuns int
	doc     ledgerDoc
}

// DefaultPath returns ~/.scriptmill/runs.json, creating the directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".scriptmill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return filepath.Join(dir, "runs.json"), nil
}

// Open loads the ledger at path, creating an empty one if absent.
//
// Any run found still queued or running was orphaned by a prior process:
// a crash cannot be distinguished from a hang, so the run and any running
// stage inside it are conservatively marked failed. No resumption is
// attempted.
func Open(path string, maxRuns int) (*Store, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	s := &Store{path: path, maxRuns: maxRuns}

	err := fsjson.ReadJSON(path, &s.doc)
	switch {
	case os.IsNotExist(err):
		s.doc = ledgerDoc{Version: ledgerVersion}
	case err != nil:
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	recovered := false
	now := time.Now().UTC()
	for _, run := range s.doc.Runs {
		if run.Status != RunRunning && run.Status != RunQueued {
			continue
		}
		run.Status = RunFailed
		run.Error = "orphaned: run was still in flight when the process restarted"
		run.CompletedAt = &now
		for i := range run.Stages {
			if run.Stages[i].Status == StageRunning {
				run.Stages[i].Status = StageFailed
				run.Stages[i].Message = "orphaned by process restart"
				run.Stages[i].CompletedAt = &now
			}
		}
		recovered = true
	}
	if recovered {
		if err := s.save(); err != nil {
			return nil, fmt.Errorf("save after crash recovery: %w", err)
		}
	}
	return s, nil
}

// save writes the ledger document atomically. Caller must hold mu.
func (s *Store) save() error {
	s.doc.Version = ledgerVersion
	s.doc.LastUpdated = time.Now().UTC()
	return fsjson.WriteJSON(s.path, &s.doc)
}

// find returns the live record for runID, or nil. Caller must hold mu.
func (s *Store) find(runID string) *PipelineRun {
	for _, run := range s.doc.Runs {
		if run.RunID == runID {
			return run
		}
	}
	return nil
}

// CreateRun appends a queued run for a work item and persists. When the
// retained-run cap is exceeded, the oldest terminal runs are evicted;
// in-flight runs are never evicted.
func (s *Store) CreateRun(workItemID, mode, batchID string) (*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := &PipelineRun{
		RunID:      uuid.NewString(),
		WorkItemID: workItemID,
		Mode:       mode,
		Status:     RunQueued,
		BatchID:    batchID,
		CreatedAt:  time.Now().UTC(),
		Stages:     []StageRecord{},
		Artifacts:  map[string]string{},
	}
	s.doc.Runs = append(s.doc.Runs, run)
	s.evictLocked()

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	return run.clone(), nil
}

// evictLocked drops the oldest terminal runs beyond maxRuns.
func (s *Store) evictLocked() {
	if len(s.doc.Runs) <= s.maxRuns {
		return
	}
	excess := len(s.doc.Runs) - s.maxRuns

	// Oldest first among terminal runs only.
	var terminal []*PipelineRun
	for _, run := range s.doc.Runs {
		if run.Status.Terminal() {
			terminal = append(terminal, run)
		}
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})
	if excess > len(terminal) {
		excess = len(terminal)
	}
	drop := make(map[string]bool, excess)
	for _, run := range terminal[:excess] {
		drop[run.RunID] = true
	}

	kept := s.doc.Runs[:0]
	for _, run := range s.doc.Runs {
		if !drop[run.RunID] {
			kept = append(kept, run)
		}
	}
	s.doc.Runs = kept
}

// StartRun transitions a queued run to running.
func (s *Store) StartRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status != RunQueued {
		return fmt.Errorf("run %s is %s, cannot start", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = RunRunning
	run.StartedAt = &now
	return s.save()
}

// UpdateStage upserts the stage record for rec.Name on the run. A stage
// name appears at most once; repeated updates mutate the same record.
func (s *Store) UpdateStage(runID string, rec StageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is terminal, cannot update stage %q", runID, rec.Name)
	}
	if existing := run.stage(rec.Name); existing != nil {
		*existing = rec
	} else {
		run.Stages = append(run.Stages, rec)
	}
	return s.save()
}

// RegisterArtifact records a named artifact path on the run.
func (s *Store) RegisterArtifact(runID, key, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Artifacts == nil {
		run.Artifacts = map[string]string{}
	}
	run.Artifacts[key] = path
	return s.save()
}

// CompleteRun finishes a run as completed or failed. Completing an
// already-terminal run is an error: the runner snapshots exactly once.
func (s *Store) CompleteRun(runID string, status RunStatus, errMsg string) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = status
	run.Error = errMsg
	run.CompletedAt = &now
	return s.save()
}

// CancelRun marks a run cancelled cooperatively. The in-flight stage is
// left as-is; the runner finishes it and observes the status.
func (s *Store) CancelRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", runID, run.Status)
	}
	now := time.Now().UTC()
	run.Status = RunCancelled
	run.CompletedAt = &now
	return s.save()
}

// ForceCancelRun fails a run regardless of current state, marking any
// running stage failed. Used for stuck runs.
func (s *Store) ForceCancelRun(runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	now := time.Now().UTC()
	run.Status = RunFailed
	if reason == "" {
		reason = "force-cancelled"
	}
	run.Error = reason
	run.CompletedAt = &now
	for i := range run.Stages {
		if run.Stages[i].Status == StageRunning {
			run.Stages[i].Status = StageFailed
			run.Stages[i].Message = reason
			run.Stages[i].CompletedAt = &now
		}
	}
	return s.save()
}

// GetRun returns a copy of the run.
func (s *Store) GetRun(runID string) (*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.find(runID)
	if run == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run.clone(), nil
}

// ListRuns returns copies of all runs, newest first, optionally filtered
// by status ("" = all).
func (s *Store) ListRuns(status RunStatus) ([]*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*PipelineRun
	for _, run := range s.doc.Runs {
		if status == "" || run.Status == status {
			out = append(out, run.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetStaleRuns returns in-flight runs older than maxAge. The ledger does
// not act on them itself; an external reaper decides what to do.
func (s *Store) GetStaleRuns(maxAge time.Duration) ([]*PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	var out []*PipelineRun
	for _, run := range s.doc.Runs {
		if run.Status != RunRunning && run.Status != RunQueued {
			continue
		}
		ref := run.CreatedAt
		if run.StartedAt != nil {
			ref = *run.StartedAt
		}
		if ref.Before(cutoff) {
			out = append(out, run.clone())
		}
	}
	return out, nil
}

// CreateBatch records a batch grouping the given run IDs and stamps the
// batch ID onto each member run.
func (s *Store) CreateBatch(runIDs []string) (*Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Batch{
		BatchID:   uuid.NewString(),
		RunIDs:    append([]string(nil), runIDs...),
		CreatedAt: time.Now().UTC(),
	}
	for _, id := range runIDs {
		if run := s.find(id); run != nil {
			run.BatchID = b.BatchID
		}
	}
	s.doc.Batches = append(s.doc.Batches, b)
	if err := s.save(); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}
	return b, nil
}

// GetBatchStatus derives the aggregate state of a batch from its member
// runs. Pass/fail counts are computed on read, not stored.
func (s *Store) GetBatchStatus(batchID string) (*BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch *Batch
	for _, b := range s.doc.Batches {
		if b.BatchID == batchID {
			batch = b
			break
		}
	}
	if batch == nil {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}

	st := &BatchStatus{BatchID: batchID, Total: len(batch.RunIDs), Completed: true}
	for _, id := range batch.RunIDs {
		run := s.find(id)
		if run == nil {
			// Evicted member still counts as terminal; its outcome is
			// gone, so it is tallied separately.
			st.Evicted++
			continue
		}
		switch run.Status {
		case RunCompleted:
			st.Passed++
		case RunFailed:
			st.Failed++
		case RunCancelled:
			st.Cancelled++
		default:
			st.InFlight++
			st.Completed = false
		}
	}
	return st, nil
}
