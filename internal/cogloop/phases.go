// Package cogloop implements the five-phase cognitive generation loop:
// plan → explore → generate → review → verify, with bounded inner
// retries and a single-shot legacy fallback.
package cogloop

import "time"

// PhaseName identifies one phase of the loop.
type PhaseName string

const (
	PhasePlan     PhaseName = "plan"
	PhaseExplore  PhaseName = "explore"
	PhaseGenerate PhaseName = "generate"
	PhaseReview   PhaseName = "review"
	PhaseVerify   PhaseName = "verify"
)

// PhaseSpec is static metadata for a phase. Each phase runs in a fresh,
// narrowly-scoped executor session: distinct instructions and distinct
// tool access bound its context and tool surface.
type PhaseSpec struct {
	Name                  PhaseName
	RequiresExternalTool  bool
	RequiresArtifactWrite bool
	MaxTimeout            time.Duration
	Template              string
	Tools                 []string
}

// phaseSpecs is the fixed phase table. MaxTimeout zero means "use the
// loop's configured phase timeout".
var phaseSpecs = map[PhaseName]PhaseSpec{
	PhasePlan: {
		Name:     PhasePlan,
		Template: "plan.md",
	},
	PhaseExplore: {
		Name:                 PhaseExplore,
		RequiresExternalTool: true,
		Template:             "explore.md",
		Tools:                []string{"browser"},
	},
	PhaseGenerate: {
		Name:                  PhaseGenerate,
		RequiresArtifactWrite: true,
		Template:              "generate.md",
		Tools:                 []string{"fswrite"},
	},
	PhaseReview: {
		Name:     PhaseReview,
		Template: "review.md",
	},
	PhaseVerify: {
		Name:                 PhaseVerify,
		RequiresExternalTool: true,
		Template:             "verify.md",
		Tools:                []string{"browser"},
	},
}

// PhaseResult summarizes one phase execution for diagnosis.
type PhaseResult struct {
	Phase    PhaseName     `json:"phase"`
	Success  bool          `json:"success"`
	Score    float64       `json:"score,omitempty"`
	Verdict  string        `json:"verdict,omitempty"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Review verdicts.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Verify verdicts.
const (
	VerdictProceed     = "PROCEED"
	VerdictFixRequired = "FIX_REQUIRED"
)

// Generation methods for GenerationResult.Method.
const (
	MethodCognitive = "cognitive"
	MethodLegacy    = "legacy"
)

// defaultConfidence is the conservative fallback when neither review nor
// verify produced a usable score.
const defaultConfidence = 0.5

// GenerationResult is the contract shared by the cognitive loop and the
// legacy single-shot path, so callers never infer success from
// file-system side effects.
type GenerationResult struct {
	Success       bool          `json:"success"`
	Method        string        `json:"method"`
	ScriptPath    string        `json:"script_path,omitempty"`
	Confidence    float64       `json:"confidence"`
	CoderRetries  int           `json:"coder_retries"`
	DryRunRetries int           `json:"dryrun_retries"`
	Phases        []PhaseResult `json:"phases,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
	Error         string        `json:"error,omitempty"`
}
