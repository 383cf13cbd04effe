package blackboard

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBoard(t *testing.T, maxEntries int) *Board {
	t.Helper()
	return New("run-1", filepath.Join(t.TempDir(), "board.json"), maxEntries)
}

func TestAppendOrder(t *testing.T) {
	b := newTestBoard(t, 0)

	if err := b.RecordDecision("planner", "use login flow", "ticket asks for auth"); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	if err := b.RecordConstraint("explorer", "modal blocks checkout"); err != nil {
		t.Fatalf("RecordConstraint: %v", err)
	}
	if err := b.AddNote("coder", "reused selector map"); err != nil {
		t.Fatalf("AddNote: %v", err)
	}

	entries := b.Entries(Filter{})
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.ID != i+1 {
			t.Errorf("entry %d has ID %d, want %d", i, e.ID, i+1)
		}
	}
	if entries[0].Type != EntryDecision || entries[2].Type != EntryNote {
		t.Errorf("entries out of append order: %v, %v", entries[0].Type, entries[2].Type)
	}
}

func TestEvictionSparesArtifacts(t *testing.T) {
	b := newTestBoard(t, 10)

	if err := b.RegisterArtifact("coder", "script", "/tmp/spec.ts", nil); err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := b.AddNote("noisy", fmt.Sprintf("note %d", i)); err != nil {
			t.Fatalf("AddNote: %v", err)
		}
	}

	entries := b.Entries(Filter{})
	if len(entries) > 10 {
		t.Errorf("cap not enforced: %d entries", len(entries))
	}
	found := false
	for _, e := range entries {
		if e.Type == EntryArtifact {
			found = true
		}
	}
	if !found {
		t.Error("artifact entry was evicted")
	}
	if _, ok := b.ArtifactByKey("script"); !ok {
		t.Error("artifact index lost the key")
	}
}

func TestRoundTripReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.json")
	b := New("run-2", path, 0)

	const n = 25
	for i := 0; i < n; i++ {
		if err := b.AddNote("agent", fmt.Sprintf("entry %d", i)); err != nil {
			t.Fatalf("AddNote: %v", err)
		}
	}
	if err := b.RegisterArtifact("coder", "sheet", "/tmp/cases.csv", map[string]string{"format": "csv"}); err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}

	loaded, err := Load(path, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := b.Entries(Filter{})
	got := loaded.Entries(Filter{})
	if len(got) != len(want) {
		t.Fatalf("reloaded %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Content != want[i].Content {
			t.Errorf("entry %d differs after reload: got %+v want %+v", i, got[i], want[i])
		}
	}

	a, ok := loaded.ArtifactByKey("sheet")
	if !ok {
		t.Fatal("artifact index not reconstructed")
	}
	if a.Path != "/tmp/cases.csv" || a.Metadata["format"] != "csv" {
		t.Errorf("artifact = %+v", a)
	}
}

func TestQuestionLifecycle(t *testing.T) {
	b := newTestBoard(t, 0)

	id, err := b.PostQuestion("generate", "ingest", "which environment is the ticket about?")
	if err != nil {
		t.Fatalf("PostQuestion: %v", err)
	}

	pending := b.PendingQuestions("ingest")
	if len(pending) != 1 || pending[0].QuestionID != id {
		t.Fatalf("pending = %+v, want the posted question", pending)
	}
	if len(b.PendingQuestions("execute")) != 0 {
		t.Error("question leaked to wrong target")
	}

	if err := b.AnswerQuestion(id, "ingest", "staging"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}
	if len(b.PendingQuestions("ingest")) != 0 {
		t.Error("answered question still pending")
	}
	if err := b.AnswerQuestion(id, "ingest", "again"); err == nil {
		t.Error("double answer should fail")
	}
}

func TestEntriesFilter(t *testing.T) {
	b := newTestBoard(t, 0)
	_ = b.RecordDecision("planner", "d1", "")
	_ = b.AddNote("planner", "n1")
	_ = b.AddNote("coder", "n2")

	if got := b.Entries(Filter{Agent: "planner"}); len(got) != 2 {
		t.Errorf("agent filter: got %d, want 2", len(got))
	}
	if got := b.Entries(Filter{Type: EntryNote}); len(got) != 2 {
		t.Errorf("type filter: got %d, want 2", len(got))
	}
	if got := b.Entries(Filter{Agent: "coder", Type: EntryNote}); len(got) != 1 {
		t.Errorf("combined filter: got %d, want 1", len(got))
	}
}

func TestSummaryContents(t *testing.T) {
	b := newTestBoard(t, 0)
	_ = b.RecordDecision("planner", "test the checkout flow first", "highest risk area")
	_ = b.RecordConstraint("explorer", "login requires 2FA bypass flag")
	_ = b.RegisterArtifact("coder", "script", "/out/checkout.spec.ts", nil)
	_, _ = b.PostQuestion("generate", "ingest", "is guest checkout in scope?")

	s := b.Summary("ingest")
	for _, want := range []string{
		"test the checkout flow first",
		"highest risk area",
		"login requires 2FA bypass flag",
		"/out/checkout.spec.ts",
		"is guest checkout in scope?",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("summary missing %q\n%s", want, s)
		}
	}

	// Questions for other agents stay out of the digest.
	if strings.Contains(b.Summary("execute"), "guest checkout") {
		t.Error("summary includes question for a different agent")
	}
}

func TestSummaryIncludesAnsweredQuestions(t *testing.T) {
	b := newTestBoard(t, 0)
	id, err := b.PostQuestion("generate", "ingest", "which locale does the ticket target?")
	if err != nil {
		t.Fatalf("PostQuestion: %v", err)
	}
	if err := b.AnswerQuestion(id, "ingest", "de-DE, per the reporter's browser"); err != nil {
		t.Fatalf("AnswerQuestion: %v", err)
	}

	// The exchange must be visible to every agent, not just the target.
	for _, agent := range []string{"generate", "ingest", "execute"} {
		s := b.Summary(agent)
		if !strings.Contains(s, "which locale does the ticket target?") {
			t.Errorf("summary for %s missing the question\n%s", agent, s)
		}
		if !strings.Contains(s, "de-DE, per the reporter's browser") {
			t.Errorf("summary for %s missing the answer\n%s", agent, s)
		}
	}

	// Answered questions never show up as open again.
	if strings.Contains(b.Summary("ingest"), "## Open questions") {
		t.Error("answered question still listed as open")
	}
}

func TestManagerKeysBoardsByRun(t *testing.T) {
	m := NewManager(t.TempDir(), 0)

	b1, err := m.Board("run-a")
	if err != nil {
		t.Fatalf("Board: %v", err)
	}
	b2, _ := m.Board("run-b")
	if b1 == b2 {
		t.Fatal("distinct runs share a board")
	}

	again, _ := m.Board("run-a")
	if again != b1 {
		t.Error("same run should get the same board instance")
	}

	_ = b1.AddNote("agent", "before release")
	if err := m.Release("run-a"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// After release the board is reloaded from disk with state intact.
	reloaded, err := m.Board("run-a")
	if err != nil {
		t.Fatalf("Board after release: %v", err)
	}
	if reloaded.Len() != 1 {
		t.Errorf("reloaded board has %d entries, want 1", reloaded.Len())
	}
}
