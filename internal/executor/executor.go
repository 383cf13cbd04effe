// Package executor abstracts the LLM task-executor sessions the pipeline
// drives. The orchestration core relies only on this narrow contract and
// is agnostic to how the executor reasons or which tools it calls.
package executor

import (
	"context"
	"time"
)

// DeltaFunc receives streamed output fragments for progress display.
// Purely observational; it never affects control flow.
type DeltaFunc func(delta string)

// SendOpts configures one SendAndWait call.
type SendOpts struct {
	Timeout time.Duration // enforced by the caller side, 0 = no limit
	OnDelta DeltaFunc
}

// SessionConfig scopes a session: its instructions and its tool surface.
// Narrow configs per role bound each session's context instead of one
// session doing everything.
type SessionConfig struct {
	SystemPrompt string
	Workdir      string
	AllowTools   []string // e.g. "browser", "tickets", "shell", "fswrite"
	Model        string
}

// Session is one live executor conversation.
type Session interface {
	// ID identifies the session for logging and teardown.
	ID() string
	// SendAndWait sends a prompt and blocks until the executor's reply
	// is complete, streaming fragments to opts.OnDelta along the way.
	SendAndWait(ctx context.Context, prompt string, opts SendOpts) (string, error)
}

// Client creates and destroys executor sessions.
type Client interface {
	CreateSession(role string, cfg SessionConfig) (Session, error)
	DestroySession(id string) error
}
