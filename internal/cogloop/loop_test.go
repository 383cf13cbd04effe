package cogloop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/executor"
)

// --- fakes ---

// scriptedClient hands out sessions whose replies are scripted per
// role: each SendAndWait for a role consumes the next reply for it.
type scriptedClient struct {
	mu        sync.Mutex
	replies   map[string][]string
	calls     map[string]int
	created   int
	destroyed int
}

func newScriptedClient(replies map[string][]string) *scriptedClient {
	return &scriptedClient{replies: replies, calls: make(map[string]int)}
}

func (c *scriptedClient) CreateSession(role string, cfg executor.SessionConfig) (executor.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	return &scriptedSession{client: c, role: role, id: fmt.Sprintf("%s-%d", role, c.created)}, nil
}

func (c *scriptedClient) DestroySession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return nil
}

func (c *scriptedClient) callCount(role string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[role]
}

type scriptedSession struct {
	client *scriptedClient
	role   string
	id     string
}

func (s *scriptedSession) ID() string { return s.id }

func (s *scriptedSession) SendAndWait(ctx context.Context, prompt string, opts executor.SendOpts) (string, error) {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls[s.role]
	c.calls[s.role]++
	queue := c.replies[s.role]
	if i >= len(queue) {
		return "", errors.New("no scripted reply for " + s.role)
	}
	return queue[i], nil
}

// --- fixtures ---

const (
	goodPlan     = `{"requirements":[{"id":"R1","summary":"login works","steps":[{"action":"interact","target":"#user","purpose":"enter username"},{"action":"verify","target":"#home","purpose":"landed"}]}],"transitions":["login -> home"],"coverage":0.9,"depth":0.8}`
	emptyPlan    = `{"requirements":[],"coverage":0.0}`
	goodExplore  = `{"selectors":{"login":"#login","user":"#user"},"missing":[],"coverage":0.9}`
	thinExplore  = `{"selectors":{"login":"#login"},"missing":["user","submit","home"],"coverage":0.25}`
	goodGenerate = `{"script_path":"spec.test.ts","confidence":0.7}`
	reviewPass   = `{"verdict":"PASS","confidence":0.8,"issues":[]}`
	reviewFail   = `{"verdict":"FAIL","confidence":0.3,"issues":[{"severity":"blocker","description":"missing assertion on home"}]}`
	verifyOK     = `{"verdict":"PROCEED","pass_rate":0.95,"broken":[]}`
	verifyBroken = `{"verdict":"FIX_REQUIRED","pass_rate":0.5,"broken":["#login"]}`
)

func testInput(t *testing.T) Input {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "spec.test.ts"), []byte("test('login')"), 0o644); err != nil {
		t.Fatal(err)
	}
	return Input{
		WorkItemID:    "WI-1",
		WorkItemTitle: "Login flow",
		WorkItemBody:  "User can log in with valid credentials.",
		TargetURL:     "http://target.example",
		OutputDir:     dir,
	}
}

// --- cognitive path ---

func TestRunHappyPathAllFivePhases(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate},
		"review":   {reviewPass},
		"verify":   {verifyOK},
	})
	board := blackboard.New("run-1", filepath.Join(t.TempDir(), "board.json"), 0)
	l := New(client, board, Options{})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Method != MethodCognitive {
		t.Errorf("Method = %q, want cognitive", res.Method)
	}
	if res.ScriptPath != "spec.test.ts" {
		t.Errorf("ScriptPath = %q", res.ScriptPath)
	}
	if res.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want verify pass rate 0.95", res.Confidence)
	}
	if res.CoderRetries != 0 || res.DryRunRetries != 0 {
		t.Errorf("retries = %d/%d, want 0/0", res.CoderRetries, res.DryRunRetries)
	}
	if len(res.Phases) != 5 {
		t.Errorf("len(Phases) = %d, want 5", len(res.Phases))
	}
	if client.created != client.destroyed {
		t.Errorf("created %d sessions, destroyed %d", client.created, client.destroyed)
	}
	if _, ok := board.ArtifactByKey("script:WI-1"); !ok {
		t.Error("script artifact not registered on board")
	}
}

func TestRunReviewFailRegeneratesWithinBudget(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate, goodGenerate, goodGenerate},
		"review":   {reviewFail, reviewFail, reviewFail},
		"verify":   {verifyOK},
	})
	l := New(client, nil, Options{MaxCoderRetries: 2, MaxDryRunRetries: 1})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.CoderRetries != 2 {
		t.Errorf("CoderRetries = %d, want 2", res.CoderRetries)
	}
	if got := client.callCount("generate"); got != 3 {
		t.Errorf("generate called %d times, want 3 (initial + 2 retries)", got)
	}
	var found bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "review still failing") {
			found = true
		}
	}
	if !found {
		t.Errorf("no exhausted-review warning in %v", res.Warnings)
	}
}

func TestRunVerifyFixRequiredBoundedToOneRetry(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate, goodGenerate},
		"review":   {reviewPass},
		"verify":   {verifyBroken, verifyBroken},
	})
	l := New(client, nil, Options{MaxCoderRetries: 2, MaxDryRunRetries: 1})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.DryRunRetries != 1 {
		t.Errorf("DryRunRetries = %d, want 1", res.DryRunRetries)
	}
	if got := client.callCount("generate"); got != 2 {
		t.Errorf("generate called %d times, want 2", got)
	}
	if res.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want last verify pass rate 0.5", res.Confidence)
	}
}

func TestRunZeroCoderRetriesDisablesRegeneration(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate},
		"review":   {reviewFail},
		"verify":   {verifyOK},
	})
	l := New(client, nil, Options{MaxCoderRetries: 0, MaxDryRunRetries: 0})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.CoderRetries != 0 {
		t.Errorf("CoderRetries = %d, want 0", res.CoderRetries)
	}
	if got := client.callCount("generate"); got != 1 {
		t.Errorf("generate called %d times, want exactly 1 with a zero budget", got)
	}
}

// --- fail-open quality phases ---

func TestRunReviewErrorFailsOpen(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate},
		// no review replies: phase errors out
		"verify": {verifyOK},
	})
	l := New(client, nil, Options{})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Confidence != 0.95 {
		t.Errorf("Confidence = %v, want verify pass rate", res.Confidence)
	}
	var found bool
	for _, w := range res.Warnings {
		if strings.Contains(w, "proceeding unreviewed") {
			found = true
		}
	}
	if !found {
		t.Errorf("no unreviewed warning in %v", res.Warnings)
	}
}

func TestRunBothQualityPhasesDownUsesDefaultConfidence(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":     {goodPlan},
		"explore":  {goodExplore},
		"generate": {goodGenerate},
	})
	l := New(client, nil, Options{})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Confidence != defaultConfidence {
		t.Errorf("Confidence = %v, want default %v", res.Confidence, defaultConfidence)
	}
}

// --- legacy fallback ---

func TestRunInvalidPlanFallsBackToLegacy(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":   {emptyPlan},
		"legacy": {`{"script_path":"spec.test.ts","confidence":0.9}`},
	})
	l := New(client, nil, Options{})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Method != MethodLegacy {
		t.Errorf("Method = %q, want legacy", res.Method)
	}
	if res.Confidence != defaultConfidence {
		t.Errorf("Confidence = %v, want capped at %v", res.Confidence, defaultConfidence)
	}
	if got := client.callCount("explore"); got != 0 {
		t.Errorf("explore called %d times after plan failure", got)
	}
}

func TestRunThinExplorationFallsBackToLegacy(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan":    {goodPlan},
		"explore": {thinExplore},
		"legacy":  {`{"script_path":"spec.test.ts","confidence":0.3}`},
	})
	l := New(client, nil, Options{})

	res := l.Run(context.Background(), testInput(t))

	if !res.Success {
		t.Fatalf("Success = false, error = %q", res.Error)
	}
	if res.Method != MethodLegacy {
		t.Errorf("Method = %q, want legacy", res.Method)
	}
	if res.Confidence != 0.3 {
		t.Errorf("Confidence = %v, want reported 0.3", res.Confidence)
	}
	if got := client.callCount("generate"); got != 0 {
		t.Errorf("generate called %d times after thin exploration", got)
	}
}

func TestRunLegacyFailureReportsError(t *testing.T) {
	client := newScriptedClient(map[string][]string{
		"plan": {emptyPlan},
		// no legacy replies
	})
	l := New(client, nil, Options{})

	res := l.Run(context.Background(), testInput(t))

	if res.Success {
		t.Fatal("Success = true, want failure")
	}
	if res.Error == "" {
		t.Error("Error is empty")
	}
}

// --- parsing ---

func TestExtractJSONPrefersFencedBlock(t *testing.T) {
	text := "Here is my answer {not json}.\n```json\n{\"verdict\": \"PASS\"}\n```\ntrailing"
	raw, err := extractJSON(text)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"verdict": "PASS"}` {
		t.Errorf("got %q", raw)
	}
}

func TestExtractJSONBalancesBracesInsideStrings(t *testing.T) {
	text := `prose {"msg": "brace } inside", "n": {"k": 1}} more prose`
	raw, err := extractJSON(text)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"msg": "brace } inside", "n": {"k": 1}}` {
		t.Errorf("got %q", raw)
	}
}

func TestExtractJSONNoObject(t *testing.T) {
	if _, err := extractJSON("sorry, I cannot comply"); err == nil {
		t.Error("want error for reply without JSON")
	}
}

func TestValidatePlanRejectsBadAction(t *testing.T) {
	p := &planPayload{Requirements: []planRequirement{{
		ID:    "R1",
		Steps: []planStep{{Action: "click", Target: "#x"}},
	}}}
	if err := validatePlan(p); err == nil {
		t.Error("want error for invalid step action")
	}
}
