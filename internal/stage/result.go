// Package stage defines the tagged result type exchanged between stage
// implementations and the routing coordinator.
package stage

// FailureKind enumerates why a stage failed, so routing switches are
// exhaustive instead of sniffing free-form result shapes.
type FailureKind string

const (
	FailureNone       FailureKind = ""
	FailureExecutor   FailureKind = "executor_error" // session create/send failed
	FailureValidation FailureKind = "validation"     // produced output failed checks
	FailureTests      FailureKind = "tests_failed"   // executed tests reported failures
	FailureTool       FailureKind = "tool_error"     // external tool/collaborator failed
	FailureTimeout    FailureKind = "timeout"
	FailureUnknown    FailureKind = "unknown"
)

// Result is the outcome of one stage execution.
type Result struct {
	Stage   string      `json:"stage"`
	Success bool        `json:"success"`
	Kind    FailureKind `json:"failure_kind,omitempty"`
	Message string      `json:"message,omitempty"`

	// Test-style stages report counts so routing can distinguish
	// "all failed" (structural) from "some failed" (cosmetic).
	FailedCount int `json:"failed_count,omitempty"`
	TotalCount  int `json:"total_count,omitempty"`

	// OpenQuestions carries questions the stage could not resolve on
	// its own; routing may delegate them to another stage's executor.
	OpenQuestions []string `json:"open_questions,omitempty"`

	// Artifacts maps keys to paths produced by this stage.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// Details is a free-form grab bag for stage-specific extras.
	Details map[string]string `json:"details,omitempty"`
}

// Failed returns a failure result with the given kind and message.
func Failed(name string, kind FailureKind, msg string) *Result {
	return &Result{Stage: name, Success: false, Kind: kind, Message: msg}
}

// Passed returns a success result.
func Passed(name, msg string) *Result {
	return &Result{Stage: name, Success: true, Message: msg}
}
