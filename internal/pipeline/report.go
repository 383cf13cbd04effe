package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/lunarbay/scriptmill/internal/fsjson"
	"github.com/lunarbay/scriptmill/internal/runstore"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// reportStage summarizes the run so far into run-report.json. The
// runner rewrites the same file with routing history once the run is
// terminal, so the artifact exists even for aborted runs.
type reportStage struct {
	store *runstore.Store
}

type stageSummary struct {
	Name     string `json:"name"`
	Status   string `json:"status"`
	Duration string `json:"duration,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (s *reportStage) Name() string { return StageReport }

func (s *reportStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	run, err := s.store.GetRun(rc.RunID)
	if err != nil {
		return stage.Failed(StageReport, stage.FailureTool, "read ledger: "+err.Error())
	}

	summaries := make([]stageSummary, 0, len(run.Stages))
	for _, st := range run.Stages {
		summaries = append(summaries, stageSummary{
			Name:     st.Name,
			Status:   string(st.Status),
			Duration: st.Duration,
			Message:  st.Message,
		})
	}

	report := struct {
		RunID      string            `json:"run_id"`
		WorkItemID string            `json:"work_item_id"`
		Mode       string            `json:"mode"`
		Stages     []stageSummary    `json:"stages"`
		Artifacts  map[string]string `json:"artifacts,omitempty"`
		WrittenAt  time.Time         `json:"written_at"`
	}{
		RunID:      run.RunID,
		WorkItemID: run.WorkItemID,
		Mode:       run.Mode,
		Stages:     summaries,
		Artifacts:  run.Artifacts,
		WrittenAt:  time.Now().UTC(),
	}

	path := filepath.Join(rc.OutDir, "run-report.json")
	if err := fsjson.WriteJSON(path, report); err != nil {
		return stage.Failed(StageReport, stage.FailureTool, "write report: "+err.Error())
	}

	res := stage.Passed(StageReport, fmt.Sprintf("report written (%d stage records)", len(summaries)))
	res.Artifacts = map[string]string{"report": path}
	return res
}
