package cogloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/prompt"
)

// maxScriptBytes caps how much of a generated script is inlined into
// the review prompt.
const maxScriptBytes = 64 * 1024

// Input is one generation request.
type Input struct {
	WorkItemID    string
	WorkItemTitle string
	WorkItemBody  string
	TargetURL     string
	OutputDir     string
	ApproachHint  string
}

// Options configures a Loop. Retry budgets are taken as given, so zero
// means no inner retries; the other zero values get conservative
// defaults.
type Options struct {
	MaxCoderRetries  int
	MaxDryRunRetries int
	MinCoverage      float64
	PhaseTimeout     time.Duration
	TemplateDir      string
	Model            string
	Progress         io.Writer
}

// Loop runs the phased generation flow for one work item at a time.
type Loop struct {
	client executor.Client
	board  *blackboard.Board
	opts   Options
}

// New returns a Loop writing shared context to board. board may be nil
// when no cross-stage context is wanted.
func New(client executor.Client, board *blackboard.Board, opts Options) *Loop {
	if opts.MaxCoderRetries < 0 {
		opts.MaxCoderRetries = 0
	}
	if opts.MaxDryRunRetries < 0 {
		opts.MaxDryRunRetries = 0
	}
	if opts.MinCoverage == 0 {
		opts.MinCoverage = 0.6
	}
	if opts.PhaseTimeout == 0 {
		opts.PhaseTimeout = 15 * time.Minute
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}
	return &Loop{client: client, board: board, opts: opts}
}

func (l *Loop) logf(format string, args ...any) {
	fmt.Fprintf(l.opts.Progress, format+"\n", args...)
}

// Run executes the phased flow for in. It always returns a result; an
// unusable plan or thin exploration falls back to the single-shot path
// rather than failing the stage outright.
func (l *Loop) Run(ctx context.Context, in Input) *GenerationResult {
	res := &GenerationResult{Method: MethodCognitive}

	// Phase 1: plan. A structurally unsound plan poisons everything
	// downstream, so validation failure abandons the phased path.
	plan, planPR, err := l.runPlan(ctx, in)
	res.Phases = append(res.Phases, planPR)
	if err != nil {
		return l.runLegacy(ctx, in, res, fmt.Sprintf("plan phase: %v", err))
	}
	l.logf("plan: %d requirements, coverage %.2f", len(plan.Requirements), plan.Coverage)
	l.noteDecision("planner",
		fmt.Sprintf("test plan for %s: %d requirements, coverage %.2f", in.WorkItemID, len(plan.Requirements), plan.Coverage),
		strings.Join(plan.Risks, "; "))

	planJSON := mustJSON(plan)

	// Phase 2: explore against the live target.
	exp, expPR, err := l.runExplore(ctx, in, planJSON)
	res.Phases = append(res.Phases, expPR)
	if err != nil {
		return l.runLegacy(ctx, in, res, fmt.Sprintf("explore phase: %v", err))
	}
	if exp.Coverage < l.opts.MinCoverage {
		return l.runLegacy(ctx, in, res,
			fmt.Sprintf("exploration coverage %.2f below minimum %.2f", exp.Coverage, l.opts.MinCoverage))
	}
	l.logf("explore: %d selectors verified, %d missing, coverage %.2f",
		len(exp.Selectors), len(exp.Missing), exp.Coverage)
	for _, m := range exp.Missing {
		res.Warnings = append(res.Warnings, "selector not found during exploration: "+m)
	}
	l.note("explorer", fmt.Sprintf("verified %d selectors for %s (coverage %.2f)",
		len(exp.Selectors), in.WorkItemID, exp.Coverage))

	selectorMap := mustJSON(exp.Selectors)

	// Phase 3: generate.
	gen, genPR, err := l.runGenerate(ctx, in, planJSON, selectorMap, "")
	res.Phases = append(res.Phases, genPR)
	if err != nil {
		return l.runLegacy(ctx, in, res, fmt.Sprintf("generate phase: %v", err))
	}
	res.Warnings = append(res.Warnings, gen.Warnings...)

	// Phase 4: review, regenerating on FAIL up to the coder budget.
	// A broken reviewer fails open so an executor hiccup cannot block
	// an otherwise complete script.
	reviewConf := -1.0
	for {
		rev, revPR, rerr := l.runReview(ctx, in, gen, planJSON, selectorMap)
		res.Phases = append(res.Phases, revPR)
		if rerr != nil {
			res.Warnings = append(res.Warnings, "review phase unavailable, proceeding unreviewed: "+rerr.Error())
			break
		}
		if rev.Verdict == VerdictPass {
			reviewConf = rev.Confidence
			break
		}
		fixes := issueSummaries(rev.Issues)
		if res.CoderRetries >= l.opts.MaxCoderRetries || len(fixes) == 0 {
			reviewConf = rev.Confidence
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("review still failing after %d regeneration(s), proceeding with last script", res.CoderRetries))
			break
		}
		res.CoderRetries++
		l.logf("review FAIL, regenerating (attempt %d of %d)", res.CoderRetries, l.opts.MaxCoderRetries)
		next, nextPR, gerr := l.runGenerate(ctx, in, planJSON, selectorMap, strings.Join(fixes, "\n"))
		res.Phases = append(res.Phases, nextPR)
		if gerr != nil {
			res.Warnings = append(res.Warnings, "regeneration failed, keeping previous script: "+gerr.Error())
			break
		}
		gen = next
		res.Warnings = append(res.Warnings, gen.Warnings...)
	}

	// Phase 5: verify selectors one last time against the live target.
	// Also fails open.
	passRate := -1.0
	for {
		ver, verPR, verr := l.runVerify(ctx, in, gen, exp.Selectors)
		res.Phases = append(res.Phases, verPR)
		if verr != nil {
			res.Warnings = append(res.Warnings, "verify phase unavailable, proceeding unverified: "+verr.Error())
			break
		}
		passRate = ver.PassRate
		if ver.Verdict == VerdictProceed {
			break
		}
		if res.DryRunRetries >= l.opts.MaxDryRunRetries || len(ver.Broken) == 0 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("verify still reports %d broken selector(s) after %d fix round(s)", len(ver.Broken), res.DryRunRetries))
			break
		}
		res.DryRunRetries++
		l.logf("verify FIX_REQUIRED, regenerating for %d broken selector(s)", len(ver.Broken))
		fix := "The following selectors no longer resolve against the live target. " +
			"Replace only their usages:\n" + strings.Join(ver.Broken, "\n")
		next, nextPR, gerr := l.runGenerate(ctx, in, planJSON, selectorMap, fix)
		res.Phases = append(res.Phases, nextPR)
		if gerr != nil {
			res.Warnings = append(res.Warnings, "selector fix regeneration failed, keeping previous script: "+gerr.Error())
			break
		}
		gen = next
		res.Warnings = append(res.Warnings, gen.Warnings...)
	}

	switch {
	case passRate >= 0:
		res.Confidence = passRate
	case reviewConf >= 0:
		res.Confidence = reviewConf
	default:
		res.Confidence = defaultConfidence
	}
	res.ScriptPath = gen.ScriptPath
	res.Success = gen.ScriptPath != ""
	if !res.Success {
		res.Error = "coder did not report a script path"
	} else {
		l.registerScript(in, gen.ScriptPath, res.Confidence, MethodCognitive)
	}
	return res
}

// runLegacy is the single-shot fallback: one session with browser and
// file-write access generates the script in one pass. Confidence is
// capped at the conservative default because no review or verify ran.
func (l *Loop) runLegacy(ctx context.Context, in Input, res *GenerationResult, reason string) *GenerationResult {
	l.logf("falling back to single-shot generation: %s", reason)
	res.Method = MethodLegacy
	res.Warnings = append(res.Warnings, "single-shot fallback: "+reason)

	vars := prompt.Vars{
		"work_item_id":    in.WorkItemID,
		"work_item_title": in.WorkItemTitle,
		"work_item_body":  in.WorkItemBody,
		"target_url":      in.TargetURL,
		"output_dir":      in.OutputDir,
		"context_summary": l.contextSummary("legacy"),
	}
	reply, pr, err := l.runSession(ctx, in, "legacy", "legacy.md", vars, []string{"browser", "fswrite"})
	var gen generatePayload
	if err == nil {
		err = ParseReply(reply, &gen)
	}
	if err != nil {
		pr.Success = false
		pr.Message = err.Error()
		res.Phases = append(res.Phases, pr)
		res.Error = fmt.Sprintf("single-shot generation: %v", err)
		return res
	}
	pr.Success = gen.ScriptPath != ""
	pr.Score = gen.Confidence
	res.Phases = append(res.Phases, pr)
	res.Warnings = append(res.Warnings, gen.Warnings...)

	res.ScriptPath = gen.ScriptPath
	res.Success = gen.ScriptPath != ""
	res.Confidence = gen.Confidence
	if res.Confidence <= 0 || res.Confidence > defaultConfidence {
		res.Confidence = defaultConfidence
	}
	if !res.Success {
		res.Error = "single-shot generation reported no script path"
	} else {
		l.registerScript(in, gen.ScriptPath, res.Confidence, MethodLegacy)
	}
	return res
}

func (l *Loop) runPlan(ctx context.Context, in Input) (*planPayload, PhaseResult, error) {
	vars := prompt.Vars{
		"work_item_id":    in.WorkItemID,
		"work_item_title": in.WorkItemTitle,
		"work_item_body":  in.WorkItemBody,
		"context_summary": l.contextSummary("planner"),
	}
	reply, pr, err := l.runSession(ctx, in, string(PhasePlan), "plan.md", vars, phaseSpecs[PhasePlan].Tools)
	if err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	var plan planPayload
	if err := ParseReply(reply, &plan); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	if err := validatePlan(&plan); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	pr.Success = true
	pr.Score = plan.Coverage
	return &plan, pr, nil
}

func (l *Loop) runExplore(ctx context.Context, in Input, planJSON string) (*explorePayload, PhaseResult, error) {
	vars := prompt.Vars{
		"target_url":      in.TargetURL,
		"plan_json":       planJSON,
		"context_summary": l.contextSummary("explorer"),
	}
	reply, pr, err := l.runSession(ctx, in, string(PhaseExplore), "explore.md", vars, phaseSpecs[PhaseExplore].Tools)
	if err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	var exp explorePayload
	if err := ParseReply(reply, &exp); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	pr.Success = exp.Coverage >= l.opts.MinCoverage
	pr.Score = exp.Coverage
	if !pr.Success {
		pr.Message = fmt.Sprintf("coverage %.2f below minimum %.2f", exp.Coverage, l.opts.MinCoverage)
	}
	return &exp, pr, nil
}

func (l *Loop) runGenerate(ctx context.Context, in Input, planJSON, selectorMap, fixInstructions string) (*generatePayload, PhaseResult, error) {
	vars := prompt.Vars{
		"output_dir":       in.OutputDir,
		"plan_json":        planJSON,
		"selector_map":     selectorMap,
		"fix_instructions": fixInstructions,
		"approach_hint":    in.ApproachHint,
	}
	reply, pr, err := l.runSession(ctx, in, string(PhaseGenerate), "generate.md", vars, phaseSpecs[PhaseGenerate].Tools)
	if err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	var gen generatePayload
	if err := ParseReply(reply, &gen); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	pr.Success = gen.ScriptPath != ""
	pr.Score = gen.Confidence
	if !pr.Success {
		pr.Message = "no script path reported"
	}
	return &gen, pr, nil
}

func (l *Loop) runReview(ctx context.Context, in Input, gen *generatePayload, planJSON, selectorMap string) (*reviewPayload, PhaseResult, error) {
	body, err := l.readScript(in, gen.ScriptPath)
	if err != nil {
		return nil, PhaseResult{Phase: PhaseReview, Message: err.Error()}, err
	}
	vars := prompt.Vars{
		"script_path":  gen.ScriptPath,
		"script_body":  body,
		"plan_json":    planJSON,
		"selector_map": selectorMap,
	}
	reply, pr, err := l.runSession(ctx, in, string(PhaseReview), "review.md", vars, phaseSpecs[PhaseReview].Tools)
	if err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	var rev reviewPayload
	if err := ParseReply(reply, &rev); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	pr.Success = rev.Verdict == VerdictPass
	pr.Score = rev.Confidence
	pr.Verdict = rev.Verdict
	if !pr.Success {
		pr.Message = fmt.Sprintf("%d issue(s)", len(rev.Issues))
	}
	return &rev, pr, nil
}

func (l *Loop) runVerify(ctx context.Context, in Input, gen *generatePayload, selectors map[string]string) (*verifyPayload, PhaseResult, error) {
	names := make([]string, 0, len(selectors))
	for name := range selectors {
		names = append(names, name)
	}
	sort.Strings(names)
	var list strings.Builder
	for _, name := range names {
		fmt.Fprintf(&list, "%s: %s\n", name, selectors[name])
	}

	vars := prompt.Vars{
		"target_url":    in.TargetURL,
		"script_path":   gen.ScriptPath,
		"selector_list": list.String(),
	}
	reply, pr, err := l.runSession(ctx, in, string(PhaseVerify), "verify.md", vars, phaseSpecs[PhaseVerify].Tools)
	if err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	var ver verifyPayload
	if err := ParseReply(reply, &ver); err != nil {
		pr.Message = err.Error()
		return nil, pr, err
	}
	pr.Success = ver.Verdict == VerdictProceed
	pr.Score = ver.PassRate
	pr.Verdict = ver.Verdict
	if !pr.Success {
		pr.Message = fmt.Sprintf("%d broken selector(s)", len(ver.Broken))
	}
	return &ver, pr, nil
}

// runSession renders a template, runs it in a fresh session and tears
// the session down again. The returned PhaseResult carries timing; the
// caller fills in success and scores.
func (l *Loop) runSession(ctx context.Context, in Input, role, template string, vars prompt.Vars, tools []string) (string, PhaseResult, error) {
	pr := PhaseResult{Phase: PhaseName(role)}
	start := time.Now()

	tmpl, err := prompt.Load(template, l.opts.TemplateDir)
	if err != nil {
		pr.Duration = time.Since(start)
		return "", pr, err
	}
	rendered, err := prompt.Render(tmpl, vars)
	if err != nil {
		pr.Duration = time.Since(start)
		return "", pr, fmt.Errorf("render %s: %w", template, err)
	}

	sess, err := l.client.CreateSession(role, executor.SessionConfig{
		SystemPrompt: "You are one phase of an automated QA script pipeline. Follow the instructions exactly and reply with a single JSON object.",
		Workdir:      in.OutputDir,
		AllowTools:   tools,
		Model:        l.opts.Model,
	})
	if err != nil {
		pr.Duration = time.Since(start)
		return "", pr, fmt.Errorf("create %s session: %w", role, err)
	}
	defer func() { _ = l.client.DestroySession(sess.ID()) }()

	reply, err := sess.SendAndWait(ctx, rendered, executor.SendOpts{Timeout: l.phaseTimeout(role)})
	pr.Duration = time.Since(start)
	if err != nil {
		return "", pr, fmt.Errorf("%s phase: %w", role, err)
	}
	return reply, pr, nil
}

func (l *Loop) phaseTimeout(role string) time.Duration {
	if spec, ok := phaseSpecs[PhaseName(role)]; ok && spec.MaxTimeout > 0 {
		return spec.MaxTimeout
	}
	return l.opts.PhaseTimeout
}

func (l *Loop) readScript(in Input, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no script to review")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(in.OutputDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read script: %w", err)
	}
	if len(data) > maxScriptBytes {
		data = append(data[:maxScriptBytes], []byte("\n... (truncated)")...)
	}
	return string(data), nil
}

func (l *Loop) registerScript(in Input, path string, confidence float64, method string) {
	if l.board == nil {
		return
	}
	_ = l.board.RegisterArtifact("coder", "script:"+in.WorkItemID, path, map[string]string{
		"confidence": fmt.Sprintf("%.2f", confidence),
		"method":     method,
	})
}

func (l *Loop) contextSummary(agent string) string {
	if l.board == nil {
		return ""
	}
	return l.board.Summary(agent)
}

func (l *Loop) noteDecision(agent, content, reasoning string) {
	if l.board == nil {
		return
	}
	_ = l.board.RecordDecision(agent, content, reasoning)
}

func (l *Loop) note(agent, content string) {
	if l.board == nil {
		return
	}
	_ = l.board.AddNote(agent, content)
}

func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
