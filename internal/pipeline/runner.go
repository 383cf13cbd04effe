package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/config"
	"github.com/lunarbay/scriptmill/internal/coordinator"
	"github.com/lunarbay/scriptmill/internal/eventlog"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/fsjson"
	"github.com/lunarbay/scriptmill/internal/runstore"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// ProgressFunc receives live progress lines during a run. Purely
// observational.
type ProgressFunc func(stageName, message string)

// Result is the outcome of one pipeline run.
type Result struct {
	RunID              string                       `json:"run_id"`
	WorkItemID         string                       `json:"work_item_id"`
	Mode               string                       `json:"mode"`
	Success            bool                         `json:"success"`
	LastCompletedStage string                       `json:"last_completed_stage,omitempty"`
	Stages             []runstore.StageRecord       `json:"stages"`
	Routing            []coordinator.RoutedDecision `json:"routing"`
	ReportPath         string                       `json:"report_path,omitempty"`
	Error              string                       `json:"error,omitempty"`
}

// Runner drives work items through the pipeline. One Runner serves many
// runs; per-run state lives in the coordinator and RunContext.
type Runner struct {
	cfg    *config.Config
	store  *runstore.Store
	boards *blackboard.Manager
	client executor.Client
	events *eventlog.DB // nil disables the event trail
	prober Prober
	out    io.Writer

	stages map[string]Stage
}

// New builds a Runner. events may be nil.
func New(cfg *config.Config, store *runstore.Store, boards *blackboard.Manager, client executor.Client, events *eventlog.DB, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	r := &Runner{
		cfg:    cfg,
		store:  store,
		boards: boards,
		client: client,
		events: events,
		prober: NewHTTPProber(cfg.Probe.Targets),
		out:    out,
	}
	r.stages = map[string]Stage{
		StageIngest: &ingestStage{
			agent:   r.agent(),
			timeout: cfg.StageTimeoutFor(StageIngest),
		},
		StageTestplan: &testplanStage{
			agent:   r.agent(),
			timeout: cfg.StageTimeoutFor(StageTestplan),
		},
		StageGenerate:   &generateStage{client: client, cfg: cfg, phases: phaseLoggerFor(events)},
		StageScriptGate: scriptGateStage{},
		StageSheetGate:  sheetGateStage{},
		StageExecute: &executeStage{
			agent:   r.agent(),
			timeout: cfg.StageTimeoutFor(StageExecute),
		},
		StageHeal: &healStage{
			agent:   r.agent(),
			timeout: cfg.StageTimeoutFor(StageHeal),
		},
		StageDefects: &defectsStage{
			agent:   r.agent(),
			timeout: cfg.StageTimeoutFor(StageDefects),
			filer:   defectFilerFor(events),
		},
		StageReport: &reportStage{store: store},
	}
	return r
}

func (r *Runner) agent() agentRunner {
	return agentRunner{
		client:      r.client,
		templateDir: r.cfg.Executor.TemplateDir,
		model:       r.cfg.Executor.Model,
	}
}

// SetProber overrides the environment prober.
func (r *Runner) SetProber(p Prober) { r.prober = p }

func (r *Runner) logf(format string, args ...any) {
	fmt.Fprintf(r.out, format+"\n", args...)
}

func (r *Runner) logEvent(runID, workItem, stageName, event, detail string) {
	if r.events == nil {
		return
	}
	_ = r.events.LogRunEvent(runID, workItem, stageName, event, detail)
}

// Run drives workItemID through the pipeline in the given mode.
// onProgress may be nil. The returned Result is non-nil whenever a run
// was created, even if it failed.
func (r *Runner) Run(ctx context.Context, workItemID, mode string, onProgress ProgressFunc) (*Result, error) {
	list, err := StagesForMode(mode)
	if err != nil {
		return nil, err
	}

	run, err := r.store.CreateRun(workItemID, mode, "")
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r.drive(ctx, run, list, onProgress)
}

// RunInBatch is Run for a pre-created ledger run belonging to a batch.
func (r *Runner) RunInBatch(ctx context.Context, run *runstore.PipelineRun, onProgress ProgressFunc) (*Result, error) {
	list, err := StagesForMode(run.Mode)
	if err != nil {
		return nil, err
	}
	return r.drive(ctx, run, list, onProgress)
}

func (r *Runner) drive(ctx context.Context, run *runstore.PipelineRun, list []string, onProgress ProgressFunc) (*Result, error) {
	res := &Result{RunID: run.RunID, WorkItemID: run.WorkItemID, Mode: run.Mode}
	progress := func(stageName, msg string) {
		r.logf("[%s] %s: %s", shortID(run.RunID), stageName, msg)
		if onProgress != nil {
			onProgress(stageName, msg)
		}
	}

	// Environment health probe runs before anything is started, so an
	// aborted run carries zero stage records.
	score, notes := r.prober.Score(ctx)
	for _, n := range notes {
		progress("probe", n)
	}
	if score < r.cfg.Probe.AbortBelow {
		res.Error = fmt.Sprintf("environment probe scored %d, below abort threshold %d", score, r.cfg.Probe.AbortBelow)
		progress("probe", res.Error)
		r.logEvent(run.RunID, run.WorkItemID, "", eventlog.EventRunFailed, res.Error)
		if err := r.store.CompleteRun(run.RunID, runstore.RunFailed, res.Error); err != nil {
			return res, err
		}
		return res, nil
	}
	if score < r.cfg.Probe.WarnBelow {
		progress("probe", fmt.Sprintf("environment probe scored %d, below warn threshold %d", score, r.cfg.Probe.WarnBelow))
	}

	if err := r.store.StartRun(run.RunID); err != nil {
		return res, fmt.Errorf("start run: %w", err)
	}
	r.logEvent(run.RunID, run.WorkItemID, "", eventlog.EventRunStarted, run.Mode)

	board, err := r.boards.Board(run.RunID)
	if err != nil {
		res.Error = "open blackboard: " + err.Error()
		_ = r.store.CompleteRun(run.RunID, runstore.RunFailed, res.Error)
		return res, nil
	}
	defer func() { _ = r.boards.Release(run.RunID) }()

	coord := coordinator.New(board, r.client, r.cfg.Pipeline.MaxMiniSessions)
	coord.SetProgress(r.out)

	outDir := filepath.Join(filepath.Dir(r.boards.BoardPath(run.RunID)), "artifacts-"+shortID(run.RunID))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		res.Error = "create artifact dir: " + err.Error()
		_ = r.store.CompleteRun(run.RunID, runstore.RunFailed, res.Error)
		return res, nil
	}

	rc := &RunContext{
		RunID:      run.RunID,
		WorkItemID: run.WorkItemID,
		Mode:       run.Mode,
		Board:      board,
		OutDir:     outDir,
		Progress:   r.out,
		Params:     make(map[string]string),
	}
	// Modes without an ingest head still need a target to drive.
	if len(r.cfg.Probe.Targets) > 0 {
		rc.TargetURL = r.cfg.Probe.Targets[0].URL
	}

	status, errMsg := r.runStages(ctx, rc, list, coord, res, progress)

	res.Routing = coord.History()
	res.ReportPath = r.writeReport(rc, res, status)
	if res.ReportPath != "" {
		_ = r.store.RegisterArtifact(run.RunID, "report", res.ReportPath)
	}

	res.Success = status == runstore.RunCompleted
	res.Error = errMsg
	switch status {
	case runstore.RunCompleted:
		r.logEvent(run.RunID, run.WorkItemID, "", eventlog.EventRunCompleted, "")
	case runstore.RunCancelled:
		r.logEvent(run.RunID, run.WorkItemID, "", eventlog.EventRunCancelled, errMsg)
	default:
		r.logEvent(run.RunID, run.WorkItemID, "", eventlog.EventRunFailed, errMsg)
	}
	var finishErr error
	if status == runstore.RunCancelled {
		finishErr = r.store.CancelRun(run.RunID)
	} else {
		finishErr = r.store.CompleteRun(run.RunID, status, errMsg)
	}
	if finishErr != nil {
		// An external CancelRun may have made the run terminal while a
		// stage was still finishing; that is not a runner failure.
		cur, gerr := r.store.GetRun(run.RunID)
		if gerr != nil || !cur.Status.Terminal() {
			return res, fmt.Errorf("complete run: %w", finishErr)
		}
		res.Success = false
		res.Error = "run cancelled externally"
	}

	if final, err := r.store.GetRun(run.RunID); err == nil {
		res.Stages = final.Stages
	}
	return res, nil
}

// runStages is the stage loop. It returns the final run status and an
// error message for failed runs.
func (r *Runner) runStages(ctx context.Context, rc *RunContext, list []string, coord *coordinator.Coordinator, res *Result, progress ProgressFunc) (runstore.RunStatus, string) {
	skip := make(map[string]bool)
	ran := make(map[string]bool)
	delegated := make(map[string]bool)
	restartUsed := false

	indexOf := func(name string) int {
		for i, n := range list {
			if n == name {
				return i
			}
		}
		return -1
	}

	i := 0
	for i < len(list) {
		if err := ctx.Err(); err != nil {
			return runstore.RunCancelled, "run cancelled: " + err.Error()
		}
		name := list[i]
		if ran[name] {
			i++
			continue
		}
		if skip[name] {
			r.recordStage(rc, runstore.StageRecord{Name: name, Status: runstore.StageSkipped, Message: "skipped by routing decision"})
			r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventStageSkipped, "")
			ran[name] = true
			i++
			continue
		}

		sres := r.executeStage(ctx, rc, name, progress)
		ran[name] = true

		d := coord.Route(name, sres)
		r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventRouted, string(d.Action)+": "+d.Reason)

		switch d.Action {
		case coordinator.ActionContinue:
			res.LastCompletedStage = name
			i++

		case coordinator.ActionSkip:
			res.LastCompletedStage = name
			for _, t := range d.Targets {
				skip[t] = true
			}
			i++

		case coordinator.ActionRetryFull:
			progress(name, "retrying: "+d.Reason)
			ran[name] = false

		case coordinator.ActionRetryPartial:
			res.LastCompletedStage = name
			target := d.Targets[0]
			ti := indexOf(target)
			if ti < 0 || ti > i {
				i++
				break
			}
			for k, v := range d.Params {
				rc.Params[k] = v
			}
			progress(name, fmt.Sprintf("re-running %s for the fixed set", target))
			ran[target] = false
			i = ti

		case coordinator.ActionParallel:
			res.LastCompletedStage = name
			abortMsg := r.runParallelGates(ctx, rc, d.Targets, coord, res, progress)
			for _, t := range d.Targets {
				ran[t] = true
			}
			if abortMsg != "" {
				return runstore.RunFailed, abortMsg
			}
			i++

		case coordinator.ActionDelegate:
			if delegated[name] {
				coord.Record(name, coordinator.Decision{
					Action: coordinator.ActionAbort,
					Reason: "delegation already attempted for " + name,
				})
				return runstore.RunFailed, name + " failed after delegation"
			}
			delegated[name] = true
			r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventDelegated, d.Reason)
			for _, q := range sres.OpenQuestions {
				answer, err := coord.AskAgent(ctx, name, d.Targets[0], q)
				if err != nil {
					progress(name, "delegated question failed: "+err.Error())
					continue
				}
				progress(name, "delegated question answered")
				// The board keeps the exchange for later summaries; the
				// retried stage also gets the answer inline in its body.
				rc.Body = strings.TrimSpace(rc.Body + "\n\nAnswer from " + d.Targets[0] + ": " + answer)
			}
			ran[name] = false

		case coordinator.ActionEscalate:
			if restartUsed {
				coord.Record(name, coordinator.Decision{
					Action: coordinator.ActionContinue,
					Reason: "restart already consumed",
				})
				res.LastCompletedStage = name
				i++
				break
			}
			restartUsed = true
			r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventEscalated, d.Reason)
			target := d.Targets[0]
			ti := indexOf(target)
			if ti < 0 {
				res.LastCompletedStage = name
				i++
				break
			}
			if d.Params["strategy"] == coordinator.StrategyRegenerate {
				rc.Params["approach_hint"] = "A previous script failed every test. Take a materially different approach: " + d.Reason
			}
			progress(name, "restarting pipeline from "+target)
			for j := ti; j < len(list); j++ {
				ran[list[j]] = false
				delete(skip, list[j])
			}
			i = ti

		case coordinator.ActionAbort:
			return runstore.RunFailed, name + " aborted the run: " + d.Reason

		default:
			res.LastCompletedStage = name
			i++
		}
	}
	return runstore.RunCompleted, ""
}

// executeStage runs one stage with its timeout and records the ledger
// StageRecord transitions around it.
func (r *Runner) executeStage(ctx context.Context, rc *RunContext, name string, progress ProgressFunc) *stage.Result {
	impl, ok := r.stages[name]
	if !ok {
		return stage.Failed(name, stage.FailureUnknown, "no implementation for stage")
	}

	started := time.Now().UTC()
	r.recordStage(rc, runstore.StageRecord{Name: name, Status: runstore.StageRunning, StartedAt: &started})
	r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventStageStarted, "")
	progress(name, "started")

	sctx := ctx
	if timeout := r.cfg.StageTimeoutFor(name); timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	sres := impl.Run(sctx, rc)
	if sres == nil {
		sres = stage.Failed(name, stage.FailureUnknown, "stage returned no result")
	}
	if sctx.Err() == context.DeadlineExceeded && !sres.Success {
		sres.Kind = stage.FailureTimeout
	}

	completed := time.Now().UTC()
	rec := runstore.StageRecord{
		Name:        name,
		StartedAt:   &started,
		CompletedAt: &completed,
		Duration:    completed.Sub(started).Round(time.Millisecond).String(),
		Message:     sres.Message,
		Details:     sres.Details,
	}
	if sres.Success {
		rec.Status = runstore.StagePassed
		r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventStagePassed, sres.Message)
	} else {
		rec.Status = runstore.StageFailed
		r.logEvent(rc.RunID, rc.WorkItemID, name, eventlog.EventStageFailed, sres.Message)
	}
	r.recordStage(rc, rec)
	for key, path := range sres.Artifacts {
		_ = r.store.RegisterArtifact(rc.RunID, key, path)
	}
	progress(name, rec.Message)
	return sres
}

// runParallelGates fans the gate stages out through the coordinator and
// routes each result. Returns a non-empty message when a blocking gate
// aborts the run.
func (r *Runner) runParallelGates(ctx context.Context, rc *RunContext, targets []string, coord *coordinator.Coordinator, res *Result, progress ProgressFunc) string {
	tasks := make(map[string]coordinator.TaskFunc, len(targets))
	for _, t := range targets {
		name := t
		tasks[name] = func(tctx context.Context) (*stage.Result, error) {
			return r.executeStage(tctx, rc, name, progress), nil
		}
	}
	results := coord.RunParallel(ctx, tasks)

	abort := ""
	for _, t := range targets {
		d := coord.Route(t, results[t])
		r.logEvent(rc.RunID, rc.WorkItemID, t, eventlog.EventRouted, string(d.Action)+": "+d.Reason)
		if d.Action == coordinator.ActionAbort {
			abort = t + " aborted the run: " + d.Reason
		} else {
			res.LastCompletedStage = t
		}
	}
	return abort
}

func (r *Runner) recordStage(rc *RunContext, rec runstore.StageRecord) {
	if err := r.store.UpdateStage(rc.RunID, rec); err != nil {
		r.logf("record stage %s: %v", rec.Name, err)
	}
}

// writeReport persists the final report artifact. Written on normal and
// aborted completion alike.
func (r *Runner) writeReport(rc *RunContext, res *Result, status runstore.RunStatus) string {
	report := struct {
		RunID      string                       `json:"run_id"`
		WorkItemID string                       `json:"work_item_id"`
		Mode       string                       `json:"mode"`
		Status     runstore.RunStatus           `json:"status"`
		Script     string                       `json:"script,omitempty"`
		Sheet      string                       `json:"spreadsheet,omitempty"`
		Routing    []coordinator.RoutedDecision `json:"routing"`
		WrittenAt  time.Time                    `json:"written_at"`
	}{
		RunID:      rc.RunID,
		WorkItemID: rc.WorkItemID,
		Mode:       rc.Mode,
		Status:     status,
		Script:     rc.ScriptPath,
		Sheet:      rc.SheetPath,
		Routing:    res.Routing,
		WrittenAt:  time.Now().UTC(),
	}
	path := filepath.Join(rc.OutDir, "run-report.json")
	if err := fsjson.WriteJSON(path, report); err != nil {
		r.logf("write report: %v", err)
		return ""
	}
	return path
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// defectFilerFor adapts the event log to the defects stage's interface.
func defectFilerFor(events *eventlog.DB) DefectFiler {
	if events == nil {
		return nil
	}
	return &eventlogFiler{db: events}
}

type eventlogFiler struct {
	db *eventlog.DB
}

func (f *eventlogFiler) LogDefect(runID, workItem, testCase, severity, summary string) (int, error) {
	return f.db.LogDefect(runID, workItem, testCase, severity, summary)
}

func (f *eventlogFiler) FindOpenDefect(workItem, testCase string) (*DefectRecord, error) {
	d, err := f.db.FindOpenDefect(workItem, testCase)
	if err != nil || d == nil {
		return nil, err
	}
	return &DefectRecord{ID: d.ID, TestCase: d.TestCase, Summary: d.Summary}, nil
}

func (f *eventlogFiler) LogPhaseRun(runID, workItem, phase string, attempt int, success bool, score float64, verdict string, durationMs int) error {
	return f.db.LogPhaseRun(runID, workItem, phase, attempt, success, score, verdict, durationMs)
}

// phaseLoggerFor adapts the event log to the generate stage's interface.
func phaseLoggerFor(events *eventlog.DB) PhaseLogger {
	if events == nil {
		return nil
	}
	return &eventlogFiler{db: events}
}
