// Package blackboard is the per-run shared context store: an append-only
// log of typed entries that stages and phases use to tell later ones why
// decisions were made, plus a keyed artifact index and a question/answer
// board for inter-stage delegation.
package blackboard

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunarbay/scriptmill/internal/fsjson"
)

// EntryType classifies a context entry.
type EntryType string

const (
	EntryDecision   EntryType = "decision"
	EntryArtifact   EntryType = "artifact"
	EntryConstraint EntryType = "constraint"
	EntryQuestion   EntryType = "question"
	EntryAnswer     EntryType = "answer"
	EntryNote       EntryType = "note"
)

// DefaultMaxEntries caps the entry log before eviction kicks in.
const DefaultMaxEntries = 200

// ContextEntry is one append-only record. Entries are never mutated or
// deleted individually; eviction drops the oldest non-artifact entries.
type ContextEntry struct {
	ID        int               `json:"id"`
	Type      EntryType         `json:"type"`
	Agent     string            `json:"agent"`
	Content   string            `json:"content"`
	Reasoning string            `json:"reasoning,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Artifact is a registered pointer to a produced file. Other stages
// resolve it by key instead of re-deriving paths.
type Artifact struct {
	Key            string            `json:"key"`
	Path           string            `json:"path"`
	ProducingAgent string            `json:"producing_agent"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	RegisteredAt   time.Time         `json:"registered_at"`
}

// Question is a cross-stage question. Pending until answered; the
// coordinator or any stage may answer it.
type Question struct {
	QuestionID  string     `json:"question_id"`
	Question    string     `json:"question"`
	AskedBy     string     `json:"asked_by"`
	TargetAgent string     `json:"target_agent"`
	AnsweredBy  string     `json:"answered_by,omitempty"`
	Answer      string     `json:"answer,omitempty"`
	AskedAt     time.Time  `json:"asked_at"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
}

// Pending reports whether the question has no answer yet.
func (q *Question) Pending() bool { return q.AnsweredAt == nil }

// boardDoc is the on-disk shape: one JSON document per run.
type boardDoc struct {
	RunID     string               `json:"runId"`
	CreatedAt time.Time            `json:"createdAt"`
	SavedAt   time.Time            `json:"savedAt"`
	NextID    int                  `json:"next_id"`
	Entries   []ContextEntry       `json:"entries"`
	Artifacts map[string]Artifact  `json:"artifacts"`
	Questions map[string]*Question `json:"questions"`
}

// Board is the blackboard for one run. Every write persists synchronously
// before the next write is accepted, so the on-disk snapshot is always
// consistent with what stages have observed.
type Board struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	doc        boardDoc
}

// New creates an empty board persisted at path.
func New(runID, path string, maxEntries int) *Board {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Board{
		path:       path,
		maxEntries: maxEntries,
		doc: boardDoc{
			RunID:     runID,
			CreatedAt: time.Now().UTC(),
			NextID:    1,
			Entries:   []ContextEntry{},
			Artifacts: map[string]Artifact{},
			Questions: map[string]*Question{},
		},
	}
}

// Load reads a board back from disk, reconstructing the artifact index.
func Load(path string, maxEntries int) (*Board, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	b := &Board{path: path, maxEntries: maxEntries}
	if err := fsjson.ReadJSON(path, &b.doc); err != nil {
		return nil, fmt.Errorf("load blackboard: %w", err)
	}
	if b.doc.Artifacts == nil {
		b.doc.Artifacts = map[string]Artifact{}
	}
	if b.doc.Questions == nil {
		b.doc.Questions = map[string]*Question{}
	}
	return b, nil
}

// RunID returns the run this board belongs to.
func (b *Board) RunID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.RunID
}

// append adds an entry, evicts if over cap, and persists. Caller holds mu.
func (b *Board) appendLocked(e ContextEntry) error {
	e.ID = b.doc.NextID
	b.doc.NextID++
	e.Timestamp = time.Now().UTC()
	b.doc.Entries = append(b.doc.Entries, e)
	b.evictLocked()
	return b.saveLocked()
}

// evictLocked drops the oldest non-artifact entries once over the cap.
// Artifact entries stay: later stages must always be able to resolve
// artifacts by key at any point in the run.
func (b *Board) evictLocked() {
	over := len(b.doc.Entries) - b.maxEntries
	if over <= 0 {
		return
	}
	kept := b.doc.Entries[:0]
	for _, e := range b.doc.Entries {
		if over > 0 && e.Type != EntryArtifact {
			over--
			continue
		}
		kept = append(kept, e)
	}
	b.doc.Entries = kept
}

func (b *Board) saveLocked() error {
	b.doc.SavedAt = time.Now().UTC()
	return fsjson.WriteJSON(b.path, &b.doc)
}

// RecordDecision appends a decision entry with its reasoning.
func (b *Board) RecordDecision(agent, content, reasoning string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(ContextEntry{Type: EntryDecision, Agent: agent, Content: content, Reasoning: reasoning})
}

// RecordConstraint appends a constraint later stages must honor.
func (b *Board) RecordConstraint(agent, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(ContextEntry{Type: EntryConstraint, Agent: agent, Content: content})
}

// AddNote appends a free-form note.
func (b *Board) AddNote(agent, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendLocked(ContextEntry{Type: EntryNote, Agent: agent, Content: content})
}

// RegisterArtifact appends an artifact entry and indexes it by key.
// Re-registering a key overwrites the index but keeps the log entry.
func (b *Board) RegisterArtifact(agent, key, path string, meta map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.doc.Artifacts[key] = Artifact{
		Key:            key,
		Path:           path,
		ProducingAgent: agent,
		Metadata:       meta,
		RegisteredAt:   time.Now().UTC(),
	}
	return b.appendLocked(ContextEntry{
		Type:     EntryArtifact,
		Agent:    agent,
		Content:  fmt.Sprintf("artifact %q at %s", key, path),
		Metadata: map[string]string{"key": key, "path": path},
	})
}

// ArtifactByKey resolves a registered artifact.
func (b *Board) ArtifactByKey(key string) (Artifact, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.doc.Artifacts[key]
	return a, ok
}

// Artifacts returns a copy of the artifact index.
func (b *Board) Artifacts() map[string]Artifact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Artifact, len(b.doc.Artifacts))
	for k, v := range b.doc.Artifacts {
		out[k] = v
	}
	return out
}

// PostQuestion records a question addressed to targetAgent and returns
// its ID.
func (b *Board) PostQuestion(askedBy, targetAgent, question string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := &Question{
		QuestionID:  uuid.NewString(),
		Question:    question,
		AskedBy:     askedBy,
		TargetAgent: targetAgent,
		AskedAt:     time.Now().UTC(),
	}
	b.doc.Questions[q.QuestionID] = q
	err := b.appendLocked(ContextEntry{
		Type:     EntryQuestion,
		Agent:    askedBy,
		Content:  question,
		Metadata: map[string]string{"question_id": q.QuestionID, "target": targetAgent},
	})
	return q.QuestionID, err
}

// AnswerQuestion resolves a pending question.
func (b *Board) AnswerQuestion(questionID, answeredBy, answer string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.doc.Questions[questionID]
	if !ok {
		return fmt.Errorf("question %s not found", questionID)
	}
	if !q.Pending() {
		return fmt.Errorf("question %s already answered by %s", questionID, q.AnsweredBy)
	}
	now := time.Now().UTC()
	q.AnsweredBy = answeredBy
	q.Answer = answer
	q.AnsweredAt = &now
	return b.appendLocked(ContextEntry{
		Type:     EntryAnswer,
		Agent:    answeredBy,
		Content:  answer,
		Metadata: map[string]string{"question_id": questionID},
	})
}

// PendingQuestions returns unanswered questions addressed to targetAgent
// ("" = all agents), oldest first.
func (b *Board) PendingQuestions(targetAgent string) []Question {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Question
	for _, q := range b.doc.Questions {
		if q.Pending() && (targetAgent == "" || q.TargetAgent == targetAgent) {
			out = append(out, *q)
		}
	}
	sortQuestions(out)
	return out
}

// Filter selects entries for Entries.
type Filter struct {
	Agent string
	Type  EntryType
	Since time.Time
}

// Entries returns entries matching the filter, in append order.
func (b *Board) Entries(f Filter) []ContextEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []ContextEntry
	for _, e := range b.doc.Entries {
		if f.Agent != "" && e.Agent != f.Agent {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the current entry count.
func (b *Board) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.doc.Entries)
}

// Save forces a persist. Writes already persist synchronously; this is
// for the final save on run teardown.
func (b *Board) Save() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saveLocked()
}

func sortQuestions(qs []Question) {
	sort.Slice(qs, func(i, j int) bool {
		return qs[i].AskedAt.Before(qs[j].AskedAt)
	})
}
