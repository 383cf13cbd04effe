package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lunarbay/scriptmill/internal/cogloop"
	"github.com/lunarbay/scriptmill/internal/config"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/prompt"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// --- ingest ---

type ingestStage struct {
	agent   agentRunner
	timeout time.Duration
}

type ingestPayload struct {
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Requirements []string `json:"requirements"`
	TargetURL    string   `json:"target_url"`
	Labels       []string `json:"labels"`
}

func (s *ingestStage) Name() string { return StageIngest }

func (s *ingestStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	vars := prompt.Vars{"work_item_id": rc.WorkItemID}
	reply, err := s.agent.session(ctx, rc, StageIngest, "ingest.md", vars, []string{"tickets"}, s.timeout)
	if err != nil {
		return stage.Failed(StageIngest, stage.FailureExecutor, err.Error())
	}
	var p ingestPayload
	if err := cogloop.ParseReply(reply, &p); err != nil {
		return stage.Failed(StageIngest, stage.FailureValidation, err.Error())
	}
	if p.Title == "" && p.Body == "" {
		return stage.Failed(StageIngest, stage.FailureValidation, "tracker returned an empty work item")
	}

	rc.Title = p.Title
	rc.Body = p.Body
	if p.TargetURL != "" {
		rc.TargetURL = p.TargetURL
	}
	if rc.Board != nil {
		_ = rc.Board.RecordConstraint(StageIngest,
			fmt.Sprintf("work item %s has %d acceptance requirement(s)", rc.WorkItemID, len(p.Requirements)))
		if rc.TargetURL != "" {
			_ = rc.Board.AddNote(StageIngest, "target environment: "+rc.TargetURL)
		}
	}

	res := stage.Passed(StageIngest, fmt.Sprintf("ingested %q", p.Title))
	res.Details = map[string]string{"requirements": fmt.Sprintf("%d", len(p.Requirements))}
	return res
}

// --- testplan ---

type testplanStage struct {
	agent   agentRunner
	timeout time.Duration
}

type testplanPayload struct {
	SpreadsheetPath string `json:"spreadsheet_path"`
	CaseCount       int    `json:"case_count"`
}

func (s *testplanStage) Name() string { return StageTestplan }

func (s *testplanStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	vars := prompt.Vars{
		"work_item_id":    rc.WorkItemID,
		"work_item_title": rc.Title,
		"work_item_body":  rc.Body,
		"output_dir":      rc.OutDir,
		"context_summary": boardSummary(rc, StageTestplan),
	}
	reply, err := s.agent.session(ctx, rc, StageTestplan, "testplan.md", vars, []string{"fswrite"}, s.timeout)
	if err != nil {
		return stage.Failed(StageTestplan, stage.FailureExecutor, err.Error())
	}
	var p testplanPayload
	if err := cogloop.ParseReply(reply, &p); err != nil {
		return stage.Failed(StageTestplan, stage.FailureValidation, err.Error())
	}
	if p.SpreadsheetPath == "" {
		return stage.Failed(StageTestplan, stage.FailureValidation, "no spreadsheet path reported")
	}

	rc.SheetPath = p.SpreadsheetPath
	if rc.Board != nil {
		_ = rc.Board.RegisterArtifact(StageTestplan, "spreadsheet:"+rc.WorkItemID, p.SpreadsheetPath,
			map[string]string{"cases": fmt.Sprintf("%d", p.CaseCount)})
	}

	res := stage.Passed(StageTestplan, fmt.Sprintf("%d test case(s) authored", p.CaseCount))
	res.Artifacts = map[string]string{"spreadsheet": p.SpreadsheetPath}
	return res
}

// --- generate ---

type generateStage struct {
	client executor.Client
	cfg    *config.Config
	phases PhaseLogger
}

func (s *generateStage) Name() string { return StageGenerate }

func (s *generateStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	loop := cogloop.New(s.client, rc.Board, cogloop.Options{
		MaxCoderRetries:  s.cfg.CoderRetries(),
		MaxDryRunRetries: s.cfg.DryRunRetries(),
		MinCoverage:      s.cfg.Loop.MinCoverage,
		PhaseTimeout:     s.cfg.PhaseTimeout(),
		TemplateDir:      s.cfg.Executor.TemplateDir,
		Model:            s.cfg.Executor.Model,
		Progress:         rc.Progress,
	})
	gen := loop.Run(ctx, cogloop.Input{
		WorkItemID:    rc.WorkItemID,
		WorkItemTitle: rc.Title,
		WorkItemBody:  rc.Body,
		TargetURL:     rc.TargetURL,
		OutputDir:     rc.OutDir,
		ApproachHint:  rc.Params["approach_hint"],
	})

	s.logPhases(rc, gen.Phases)

	res := &stage.Result{
		Stage:   StageGenerate,
		Success: gen.Success,
		Details: map[string]string{
			"method":         gen.Method,
			"confidence":     fmt.Sprintf("%.2f", gen.Confidence),
			"coder_retries":  fmt.Sprintf("%d", gen.CoderRetries),
			"dryrun_retries": fmt.Sprintf("%d", gen.DryRunRetries),
		},
	}
	if len(gen.Phases) > 0 {
		res.Details["phases"] = phaseSummary(gen.Phases)
	}
	if len(gen.Warnings) > 0 {
		res.Details["warnings"] = strings.Join(gen.Warnings, "; ")
	}
	if gen.Success {
		rc.ScriptPath = gen.ScriptPath
		res.Artifacts = map[string]string{"script": gen.ScriptPath}
		res.Message = fmt.Sprintf("script generated via %s path, confidence %.2f", gen.Method, gen.Confidence)
		return res
	}

	res.Kind = stage.FailureValidation
	res.Message = gen.Error
	// A failed generation against an empty ticket is unanswerable from
	// here: hand the question back to the ingest executor.
	if rc.Body == "" {
		res.OpenQuestions = []string{
			fmt.Sprintf("work item %s has no description; what behavior should the script verify?", rc.WorkItemID),
		}
	}
	return res
}

// logPhases writes each phase outcome to the event log, numbering
// repeated phases as attempts so regenerations stay distinguishable.
func (s *generateStage) logPhases(rc *RunContext, phases []cogloop.PhaseResult) {
	if s.phases == nil {
		return
	}
	attempts := make(map[cogloop.PhaseName]int)
	for _, p := range phases {
		attempts[p.Phase]++
		err := s.phases.LogPhaseRun(rc.RunID, rc.WorkItemID, string(p.Phase), attempts[p.Phase],
			p.Success, p.Score, p.Verdict, int(p.Duration.Milliseconds()))
		if err != nil {
			rc.logf("phase log failed: %v", err)
		}
	}
}

func phaseSummary(phases []cogloop.PhaseResult) string {
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		outcome := "ok"
		if !p.Success {
			outcome = "fail"
		}
		if p.Verdict != "" {
			outcome = p.Verdict
		}
		parts = append(parts, fmt.Sprintf("%s:%s", p.Phase, outcome))
	}
	return strings.Join(parts, " ")
}

// --- execute ---

type executeStage struct {
	agent   agentRunner
	timeout time.Duration
}

type execFailure struct {
	Test     string `json:"test"`
	Error    string `json:"error"`
	Selector string `json:"selector"`
}

type executePayload struct {
	Total    int           `json:"total"`
	Failed   int           `json:"failed"`
	Failures []execFailure `json:"failures"`
}

func (s *executeStage) Name() string { return StageExecute }

func (s *executeStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	script := rc.ScriptPath
	if script == "" && rc.Board != nil {
		if a, ok := rc.Board.ArtifactByKey("script:" + rc.WorkItemID); ok {
			script = a.Path
		}
	}
	if script == "" {
		return stage.Failed(StageExecute, stage.FailureValidation, "no script to execute")
	}

	vars := prompt.Vars{
		"script_path": script,
		"target_url":  rc.TargetURL,
		"fix_only":    rc.Params["fix_only"],
	}
	reply, err := s.agent.session(ctx, rc, StageExecute, "execute.md", vars, []string{"shell", "browser"}, s.timeout)
	if err != nil {
		return stage.Failed(StageExecute, stage.FailureExecutor, err.Error())
	}
	var p executePayload
	if err := cogloop.ParseReply(reply, &p); err != nil {
		return stage.Failed(StageExecute, stage.FailureValidation, err.Error())
	}

	failuresJSON, _ := json.Marshal(p.Failures)
	rc.Failures = string(failuresJSON)
	delete(rc.Params, "fix_only")

	res := &stage.Result{
		Stage:       StageExecute,
		Success:     p.Failed == 0,
		FailedCount: p.Failed,
		TotalCount:  p.Total,
		Message:     fmt.Sprintf("%d/%d tests failed", p.Failed, p.Total),
		Details:     map[string]string{"failures": rc.Failures},
	}
	if !res.Success {
		res.Kind = stage.FailureTests
	}
	return res
}

// --- heal ---

type healStage struct {
	agent   agentRunner
	timeout time.Duration
}

type healDefect struct {
	Test    string `json:"test"`
	Error   string `json:"error"`
	Summary string `json:"summary"`
}

type healPayload struct {
	Healed         []string     `json:"healed"`
	ProductDefects []healDefect `json:"product_defects"`
	Remaining      []string     `json:"remaining"`
}

func (s *healStage) Name() string { return StageHeal }

func (s *healStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	vars := prompt.Vars{
		"script_path":     rc.ScriptPath,
		"failures":        rc.Failures,
		"context_summary": boardSummary(rc, StageHeal),
	}
	reply, err := s.agent.session(ctx, rc, StageHeal, "heal.md", vars, []string{"browser", "fswrite"}, s.timeout)
	if err != nil {
		return stage.Failed(StageHeal, stage.FailureExecutor, err.Error())
	}
	var p healPayload
	if err := cogloop.ParseReply(reply, &p); err != nil {
		return stage.Failed(StageHeal, stage.FailureValidation, err.Error())
	}

	defectsJSON, _ := json.Marshal(p.ProductDefects)
	rc.ProductDefects = string(defectsJSON)
	if rc.Board != nil && len(p.Healed) > 0 {
		_ = rc.Board.AddNote(StageHeal, fmt.Sprintf("healed %d script defect(s): %s",
			len(p.Healed), strings.Join(p.Healed, ", ")))
	}

	res := stage.Passed(StageHeal, fmt.Sprintf("%d healed, %d product defect(s), %d remaining",
		len(p.Healed), len(p.ProductDefects), len(p.Remaining)))
	res.Details = map[string]string{}
	if len(p.Healed) > 0 {
		// Only the tests that were actually touched are worth re-running.
		res.Details["remaining"] = strings.Join(p.Healed, "\n")
	}
	return res
}

// --- defects ---

type defectsStage struct {
	agent   agentRunner
	timeout time.Duration
	filer   DefectFiler // optional local record, nil = tracker only
}

// DefectFiler records filed defects locally for dedup and analytics.
type DefectFiler interface {
	LogDefect(runID, workItem, testCase, severity, summary string) (int, error)
	FindOpenDefect(workItem, testCase string) (*DefectRecord, error)
}

// PhaseLogger records per-phase generation outcomes.
type PhaseLogger interface {
	LogPhaseRun(runID, workItem, phase string, attempt int, success bool, score float64, verdict string, durationMs int) error
}

// DefectRecord mirrors a locally recorded defect.
type DefectRecord struct {
	ID       int
	TestCase string
	Summary  string
}

type defectsPayload struct {
	Filed []struct {
		Summary  string `json:"summary"`
		TicketID string `json:"ticket_id"`
	} `json:"filed"`
	SkippedDuplicates []string `json:"skipped_duplicates"`
}

func (s *defectsStage) Name() string { return StageDefects }

func (s *defectsStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	var defects []healDefect
	if rc.ProductDefects != "" {
		if err := json.Unmarshal([]byte(rc.ProductDefects), &defects); err != nil {
			return stage.Failed(StageDefects, stage.FailureValidation, "bad defect list: "+err.Error())
		}
	}
	if len(defects) == 0 {
		return stage.Passed(StageDefects, "no product defects to file")
	}

	// Drop defects already open locally before bothering the tracker.
	fresh := defects[:0]
	var skipped int
	for _, d := range defects {
		if s.filer != nil {
			if open, err := s.filer.FindOpenDefect(rc.WorkItemID, d.Test); err == nil && open != nil {
				skipped++
				continue
			}
		}
		fresh = append(fresh, d)
	}
	if len(fresh) == 0 {
		return stage.Passed(StageDefects, fmt.Sprintf("all %d defect(s) already open", skipped))
	}

	defectsText, _ := json.MarshalIndent(fresh, "", "  ")
	vars := prompt.Vars{
		"work_item_id": rc.WorkItemID,
		"defects":      string(defectsText),
	}
	reply, err := s.agent.session(ctx, rc, StageDefects, "defects.md", vars, []string{"tickets"}, s.timeout)
	if err != nil {
		return stage.Failed(StageDefects, stage.FailureExecutor, err.Error())
	}
	var p defectsPayload
	if err := cogloop.ParseReply(reply, &p); err != nil {
		return stage.Failed(StageDefects, stage.FailureValidation, err.Error())
	}

	if s.filer != nil {
		for _, d := range fresh {
			_, _ = s.filer.LogDefect(rc.RunID, rc.WorkItemID, d.Test, "major", d.Summary)
		}
	}
	return stage.Passed(StageDefects, fmt.Sprintf("%d defect(s) filed, %d duplicate(s) skipped",
		len(p.Filed), skipped+len(p.SkippedDuplicates)))
}

func boardSummary(rc *RunContext, agent string) string {
	if rc.Board == nil {
		return ""
	}
	return rc.Board.Summary(agent)
}
