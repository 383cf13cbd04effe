package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/stage"
)

// --- fakes ---

type fakeSession struct {
	id      string
	replies []string
	idx     int
	mu      sync.Mutex
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) SendAndWait(ctx context.Context, prompt string, opts executor.SendOpts) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.replies) {
		return "", errors.New("no scripted reply")
	}
	r := s.replies[s.idx]
	s.idx++
	return r, nil
}

type fakeClient struct {
	mu        sync.Mutex
	created   int
	destroyed int
	replies   []string
}

func (c *fakeClient) CreateSession(role string, cfg executor.SessionConfig) (executor.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return &fakeSession{id: fmt.Sprintf("%s-%d", role, c.created), replies: c.replies}, nil
}

func (c *fakeClient) DestroySession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return nil
}

func newTestCoordinator(t *testing.T, client executor.Client, maxMini int) *Coordinator {
	t.Helper()
	board := blackboard.New("run-1", filepath.Join(t.TempDir(), "board.json"), 0)
	return New(board, client, maxMini)
}

// --- routing table ---

func TestRouteExecuteAllPassedSkipsHealAndDefects(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)

	d := c.Route("execute", &stage.Result{Stage: "execute", Success: true, FailedCount: 0, TotalCount: 5})
	if d.Action != ActionSkip {
		t.Fatalf("Action = %q, want skip", d.Action)
	}
	want := map[string]bool{"heal": true, "defects": true}
	for _, tgt := range d.Targets {
		if !want[tgt] {
			t.Errorf("unexpected skip target %q", tgt)
		}
		delete(want, tgt)
	}
	if len(want) != 0 {
		t.Errorf("missing skip targets: %v", want)
	}
}

func TestRouteExecuteAllFailedEscalatesRegenerate(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)

	d := c.Route("execute", &stage.Result{Stage: "execute", Success: false, Kind: stage.FailureTests, FailedCount: 5, TotalCount: 5})
	if d.Action != ActionEscalate {
		t.Fatalf("Action = %q, want escalate", d.Action)
	}
	if d.Params["strategy"] != StrategyRegenerate {
		t.Errorf("strategy = %q, want regenerate", d.Params["strategy"])
	}
	if len(d.Targets) != 1 || d.Targets[0] != "generate" {
		t.Errorf("Targets = %v, want [generate]", d.Targets)
	}
}

func TestRouteExecuteSomeFailedContinues(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)
	d := c.Route("execute", &stage.Result{Stage: "execute", Success: false, Kind: stage.FailureTests, FailedCount: 2, TotalCount: 5})
	if d.Action != ActionContinue {
		t.Errorf("Action = %q, want continue", d.Action)
	}
}

func TestRouteGenerateSuccessRunsGatesInParallel(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)
	d := c.Route("generate", stage.Passed("generate", "ok"))
	if d.Action != ActionParallel {
		t.Fatalf("Action = %q, want parallel", d.Action)
	}
	if len(d.Targets) != 2 {
		t.Errorf("Targets = %v", d.Targets)
	}
}

func TestRouteGenerateOpenQuestionsDelegates(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)
	d := c.Route("generate", &stage.Result{
		Stage:         "generate",
		Success:       false,
		Kind:          stage.FailureValidation,
		OpenQuestions: []string{"which env?"},
	})
	if d.Action != ActionDelegate {
		t.Fatalf("Action = %q, want delegate", d.Action)
	}
	if len(d.Targets) != 1 || d.Targets[0] != "ingest" {
		t.Errorf("Targets = %v, want [ingest]", d.Targets)
	}
}

func TestRouteGenerateRetryOnceThenAbort(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)
	fail := stage.Failed("generate", stage.FailureExecutor, "boom")

	if d := c.Route("generate", fail); d.Action != ActionRetryFull {
		t.Fatalf("first failure: Action = %q, want retry_full", d.Action)
	}
	if d := c.Route("generate", fail); d.Action != ActionAbort {
		t.Errorf("second failure: Action = %q, want abort", d.Action)
	}
}

func TestRouteGateBlockingVsNonBlocking(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)

	if d := c.Route("script_gate", stage.Failed("script_gate", stage.FailureValidation, "empty file")); d.Action != ActionAbort {
		t.Errorf("script_gate failure: Action = %q, want abort", d.Action)
	}
	if d := c.Route("sheet_gate", stage.Failed("sheet_gate", stage.FailureValidation, "missing")); d.Action != ActionContinue {
		t.Errorf("sheet_gate failure: Action = %q, want continue", d.Action)
	}
}

func TestRouteHistoryRecorded(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)
	c.Route("ingest", stage.Passed("ingest", "ok"))
	c.Route("testplan", stage.Passed("testplan", "ok"))

	h := c.History()
	if len(h) != 2 {
		t.Fatalf("history len = %d, want 2", len(h))
	}
	if h[0].Stage != "ingest" || h[1].Stage != "testplan" {
		t.Errorf("history order wrong: %+v", h)
	}
}

// --- askAgent ---

func TestAskAgentRecordsExchange(t *testing.T) {
	client := &fakeClient{replies: []string{"staging environment"}}
	board := blackboard.New("run-1", filepath.Join(t.TempDir(), "board.json"), 0)
	c := New(board, client, 5)
	c.SetQuestionTimeout(time.Second)

	answer, err := c.AskAgent(context.Background(), "generate", "ingest", "which env?")
	if err != nil {
		t.Fatalf("AskAgent: %v", err)
	}
	if !strings.Contains(answer, "staging") {
		t.Errorf("answer = %q", answer)
	}
	if client.destroyed != 1 {
		t.Errorf("mini-session not torn down (destroyed = %d)", client.destroyed)
	}
	if len(board.PendingQuestions("")) != 0 {
		t.Error("question left pending after answer")
	}
	if got := len(board.Entries(blackboard.Filter{Type: blackboard.EntryAnswer})); got != 1 {
		t.Errorf("answer entries = %d, want 1", got)
	}
}

func TestAskAgentBudgetFallback(t *testing.T) {
	client := &fakeClient{replies: []string{"a", "a", "a"}}
	c := newTestCoordinator(t, client, 3)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.AskAgent(ctx, "generate", "ingest", fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("AskAgent %d: %v", i, err)
		}
	}
	createdBefore := client.created

	answer, err := c.AskAgent(ctx, "generate", "ingest", "one too many")
	if err != nil {
		t.Fatalf("AskAgent over budget: %v", err)
	}
	if answer != FallbackAnswer {
		t.Errorf("answer = %q, want fallback", answer)
	}
	if client.created != createdBefore {
		t.Error("over-budget call created a session")
	}
}

// --- parallel ---

func TestRunParallelSettlesAll(t *testing.T) {
	c := newTestCoordinator(t, &fakeClient{}, 5)

	results := c.RunParallel(context.Background(), map[string]TaskFunc{
		"ok": func(ctx context.Context) (*stage.Result, error) {
			return stage.Passed("ok", "fine"), nil
		},
		"fails": func(ctx context.Context) (*stage.Result, error) {
			return nil, errors.New("gate exploded")
		},
		"panics": func(ctx context.Context) (*stage.Result, error) {
			panic("boom")
		},
	})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if !results["ok"].Success {
		t.Error("ok task should succeed")
	}
	if results["fails"].Success || results["fails"].Kind != stage.FailureTool {
		t.Errorf("fails = %+v", results["fails"])
	}
	if results["panics"].Success {
		t.Error("panicking task should be captured as failure")
	}
}
