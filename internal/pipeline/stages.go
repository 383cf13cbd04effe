// Package pipeline drives one work item through the mode-selected stage
// sequence, applying the coordinator's routing decisions along the way.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/prompt"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// Stage names, in full-mode order.
const (
	StageIngest     = "ingest"
	StageTestplan   = "testplan"
	StageGenerate   = "generate"
	StageScriptGate = "script_gate"
	StageSheetGate  = "sheet_gate"
	StageExecute    = "execute"
	StageHeal       = "heal"
	StageDefects    = "defects"
	StageReport     = "report"
)

// Run modes.
const (
	ModeFull     = "full"
	ModeGenerate = "generate"
	ModeExecute  = "execute"
)

var modeStages = map[string][]string{
	ModeFull: {
		StageIngest, StageTestplan, StageGenerate, StageScriptGate,
		StageSheetGate, StageExecute, StageHeal, StageDefects, StageReport,
	},
	ModeGenerate: {
		StageTestplan, StageGenerate, StageScriptGate, StageSheetGate,
	},
	ModeExecute: {
		StageExecute, StageHeal, StageDefects, StageReport,
	},
}

// StagesForMode returns the ordered stage list for a mode.
func StagesForMode(mode string) ([]string, error) {
	list, ok := modeStages[mode]
	if !ok {
		return nil, fmt.Errorf("unknown mode %q (want full, generate or execute)", mode)
	}
	out := make([]string, len(list))
	copy(out, list)
	return out, nil
}

// RunContext is the mutable state one run's stages share. Stages fill
// in what they learn; later stages read it.
type RunContext struct {
	RunID      string
	WorkItemID string
	Mode       string
	Board      *blackboard.Board
	OutDir     string
	Progress   io.Writer

	// Params carries routing-decision parameters into the next stage
	// execution (fix_only, approach_hint).
	Params map[string]string

	// Filled by ingest, read by everything downstream.
	Title     string
	Body      string
	TargetURL string

	// Filled by testplan / generate / execute / heal.
	SheetPath      string
	ScriptPath     string
	Failures       string // JSON failure list from execute
	ProductDefects string // JSON defect list from heal
}

func (rc *RunContext) logf(format string, args ...any) {
	if rc.Progress != nil {
		fmt.Fprintf(rc.Progress, "  "+format+"\n", args...)
	}
}

// Stage is one pipeline stage.
type Stage interface {
	Name() string
	Run(ctx context.Context, rc *RunContext) *stage.Result
}

// agentRunner is the shared plumbing for stages backed by an executor
// session: render a role template, run it in a fresh session, tear the
// session down.
type agentRunner struct {
	client      executor.Client
	templateDir string
	model       string
}

func (a *agentRunner) session(ctx context.Context, rc *RunContext, role, template string, vars prompt.Vars, tools []string, timeout time.Duration) (string, error) {
	tmpl, err := prompt.Load(template, a.templateDir)
	if err != nil {
		return "", err
	}
	rendered, err := prompt.Render(tmpl, vars)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", template, err)
	}

	sess, err := a.client.CreateSession(role, executor.SessionConfig{
		SystemPrompt: "You are one stage of an automated QA pipeline. Follow the instructions exactly and reply with a single JSON object.",
		Workdir:      rc.OutDir,
		AllowTools:   tools,
		Model:        a.model,
	})
	if err != nil {
		return "", fmt.Errorf("create %s session: %w", role, err)
	}
	defer func() { _ = a.client.DestroySession(sess.ID()) }()

	reply, err := sess.SendAndWait(ctx, rendered, executor.SendOpts{Timeout: timeout})
	if err != nil {
		return "", fmt.Errorf("%s session: %w", role, err)
	}
	return reply, nil
}
