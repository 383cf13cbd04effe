package runstore

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal runs are never
// mutated again and are eligible for retention eviction.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StageStatus is the lifecycle state of a single stage within a run.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StagePassed  StageStatus = "passed"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageRecord is the persisted record of one stage of a run. There is at
// most one record per stage name per run; updates happen in place.
type StageRecord struct {
	Name        string            `json:"name"`
	Status      StageStatus       `json:"status"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    string            `json:"duration,omitempty"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// PipelineRun is the ledger record for one pipeline run.
type PipelineRun struct {
	RunID       string            `json:"run_id"`
	WorkItemID  string            `json:"work_item_id"`
	Mode        string            `json:"mode"`
	Status      RunStatus         `json:"status"`
	BatchID     string            `json:"batch_id,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Stages      []StageRecord     `json:"stages"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// clone returns a deep copy so callers never alias ledger-internal state.
func (r *PipelineRun) clone() *PipelineRun {
	cp := *r
	cp.Stages = make([]StageRecord, len(r.Stages))
	copy(cp.Stages, r.Stages)
	for i, st := range r.Stages {
		if st.Details != nil {
			d := make(map[string]string, len(st.Details))
			for k, v := range st.Details {
				d[k] = v
			}
			cp.Stages[i].Details = d
		}
	}
	if r.Artifacts != nil {
		a := make(map[string]string, len(r.Artifacts))
		for k, v := range r.Artifacts {
			a[k] = v
		}
		cp.Artifacts = a
	}
	return &cp
}

// stage returns the record for name, or nil.
func (r *PipelineRun) stage(name string) *StageRecord {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return &r.Stages[i]
		}
	}
	return nil
}

// Batch groups runs submitted together. Aggregate status is derived on
// read, never stored.
type Batch struct {
	BatchID   string    `json:"batch_id"`
	RunIDs    []string  `json:"run_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// BatchStatus is the derived aggregate state of a batch.
type BatchStatus struct {
	BatchID   string `json:"batch_id"`
	Completed bool   `json:"completed"`
	Total     int    `json:"total"`
	Passed    int    `json:"passed"`
	Failed    int    `json:"failed"`
	Cancelled int    `json:"cancelled"`
	InFlight  int    `json:"in_flight"`
	Evicted   int    `json:"evicted"`
}

// ledgerDoc is the on-disk shape of the ledger file.
type ledgerDoc struct {
	Version     int            `json:"version"`
	LastUpdated time.Time      `json:"lastUpdated"`
	Runs        []*PipelineRun `json:"runs"`
	Batches     []*Batch       `json:"batches,omitempty"`
}

const ledgerVersion = 1
