// Package coordinator turns stage outcomes into routing decisions and
// mediates inter-stage delegation and parallel fan-out.
//
// Decision logic is a per-stage lookup, not a general rule engine: each
// stage has a small, enumerable set of meaningful outcomes.
package coordinator

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// Action is the kind of routing decision.
type Action string

const (
	ActionContinue     Action = "continue"
	ActionSkip         Action = "skip"
	ActionRetryPartial Action = "retry_partial"
	ActionRetryFull    Action = "retry_full"
	ActionParallel     Action = "parallel"
	ActionEscalate     Action = "escalate"
	ActionAbort        Action = "abort"
	ActionDelegate     Action = "delegate"
)

// Escalation strategies.
const (
	StrategyRegenerate = "regenerate" // restart from the generation stage
	StrategyManual     = "manual"     // abort, human intervention required
)

// Decision is a transient routing verdict. It is recorded into the
// routing history for auditability but never persisted to the ledger.
type Decision struct {
	Action  Action            `json:"action"`
	Targets []string          `json:"targets,omitempty"`
	Reason  string            `json:"reason"`
	Params  map[string]string `json:"params,omitempty"`
}

// RoutedDecision is a history entry.
type RoutedDecision struct {
	Stage    string    `json:"stage"`
	Decision Decision  `json:"decision"`
	At       time.Time `json:"at"`
}

// Coordinator holds per-run routing state. One instance per run.
type Coordinator struct {
	board           *blackboard.Board
	client          executor.Client
	maxMiniSessions int
	questionTimeout time.Duration
	progress        io.Writer

	mu       sync.Mutex
	miniUsed int
	retries  map[string]int
	history  []RoutedDecision
}

// New creates a Coordinator for one run.
func New(board *blackboard.Board, client executor.Client, maxMiniSessions int) *Coordinator {
	if maxMiniSessions <= 0 {
		maxMiniSessions = 5
	}
	return &Coordinator{
		board:           board,
		client:          client,
		maxMiniSessions: maxMiniSessions,
		questionTimeout: 2 * time.Minute,
		retries:         make(map[string]int),
	}
}

// SetProgress sets a writer for live progress output.
func (c *Coordinator) SetProgress(w io.Writer) { c.progress = w }

// SetQuestionTimeout overrides the mini-session reply timeout (for tests).
func (c *Coordinator) SetQuestionTimeout(d time.Duration) { c.questionTimeout = d }

func (c *Coordinator) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// Route maps a stage outcome to a routing decision and records it.
func (c *Coordinator) Route(stageName string, res *stage.Result) Decision {
	d := c.decide(stageName, res)
	c.mu.Lock()
	c.history = append(c.history, RoutedDecision{Stage: stageName, Decision: d, At: time.Now().UTC()})
	c.mu.Unlock()
	c.logf("route %s: %s (%s)", stageName, d.Action, d.Reason)
	return d
}

// Record appends an externally-made decision (e.g. the runner noting an
// ignored second restart) to the history.
func (c *Coordinator) Record(stageName string, d Decision) {
	c.mu.Lock()
	c.history = append(c.history, RoutedDecision{Stage: stageName, Decision: d, At: time.Now().UTC()})
	c.mu.Unlock()
}

// History returns a copy of the routing history.
func (c *Coordinator) History() []RoutedDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RoutedDecision, len(c.history))
	copy(out, c.history)
	return out
}

// retryBudgetLeft consumes one retry for the stage if any remain.
func (c *Coordinator) retryBudgetLeft(stageName string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retries[stageName] >= max {
		return false
	}
	c.retries[stageName]++
	return true
}

// decide is the per-stage routing table.
func (c *Coordinator) decide(stageName string, res *stage.Result) Decision {
	switch stageName {
	case "ingest":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "work item ingested"}
		}
		if c.retryBudgetLeft("ingest", 1) {
			return Decision{Action: ActionRetryFull, Reason: "ingest failed, one retry"}
		}
		return Decision{Action: ActionAbort, Reason: "ingest failed twice; nothing to build from"}

	case "testplan":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "test cases authored"}
		}
		// Downstream stages can still work from the work item's own
		// data, so a missing spreadsheet is a warning, not a stop.
		return Decision{Action: ActionContinue, Reason: "test-case authoring failed; continuing without spreadsheet"}

	case "generate":
		if res.Success {
			return Decision{
				Action:  ActionParallel,
				Targets: []string{"script_gate", "sheet_gate"},
				Reason:  "script generated; checking gates in parallel",
			}
		}
		if len(res.OpenQuestions) > 0 {
			return Decision{
				Action:  ActionDelegate,
				Targets: []string{"ingest"},
				Reason:  fmt.Sprintf("generation blocked on %d open question(s)", len(res.OpenQuestions)),
			}
		}
		if c.retryBudgetLeft("generate", 1) {
			return Decision{Action: ActionRetryFull, Reason: "generation failed, one full retry"}
		}
		return Decision{Action: ActionAbort, Reason: "generation failed after retry"}

	case "script_gate":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "script gate passed"}
		}
		// Blocking: nothing downstream is useful without a valid script.
		return Decision{Action: ActionAbort, Reason: "script gate failed: " + res.Message}

	case "sheet_gate":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "spreadsheet gate passed"}
		}
		return Decision{Action: ActionContinue, Reason: "spreadsheet gate failed (non-blocking): " + res.Message}

	case "execute":
		if res.TotalCount > 0 && res.FailedCount == 0 {
			return Decision{
				Action:  ActionSkip,
				Targets: []string{"heal", "defects"},
				Reason:  fmt.Sprintf("all %d tests passed; healing and defect filing unnecessary", res.TotalCount),
			}
		}
		if res.TotalCount > 0 && res.FailedCount == res.TotalCount {
			// Every test failing looks structural, not cosmetic.
			return Decision{
				Action:  ActionEscalate,
				Targets: []string{"generate"},
				Reason:  fmt.Sprintf("all %d tests failed; script looks structurally wrong", res.TotalCount),
				Params:  map[string]string{"strategy": StrategyRegenerate},
			}
		}
		if !res.Success && res.Kind == stage.FailureExecutor {
			return Decision{Action: ActionAbort, Reason: "execution infrastructure failed: " + res.Message}
		}
		return Decision{Action: ActionContinue, Reason: fmt.Sprintf("%d/%d tests failed; healing next", res.FailedCount, res.TotalCount)}

	case "heal":
		if res.Success && res.Details["remaining"] != "" {
			return Decision{
				Action:  ActionRetryPartial,
				Targets: []string{"execute"},
				Reason:  "healed some tests; re-running only the fixed set",
				Params:  map[string]string{"fix_only": res.Details["remaining"]},
			}
		}
		return Decision{Action: ActionContinue, Reason: "healing complete"}

	case "defects":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "defects filed"}
		}
		return Decision{Action: ActionContinue, Reason: "defect filing failed (non-blocking): " + res.Message}

	case "report":
		if res.Success {
			return Decision{Action: ActionContinue, Reason: "report written"}
		}
		return Decision{Action: ActionContinue, Reason: "report failed (non-blocking): " + res.Message}
	}

	// Unknown stages route safe: the table is authoritative.
	return Decision{Action: ActionContinue, Reason: "no routing rule for stage " + stageName}
}
