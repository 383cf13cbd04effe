package cogloop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase reply payloads. Prompt templates mandate one JSON object per
// reply; everything else in the model output is ignored.

type planStep struct {
	Action  string `json:"action"`
	Target  string `json:"target"`
	Purpose string `json:"purpose"`
}

type planRequirement struct {
	ID      string     `json:"id"`
	Summary string     `json:"summary"`
	Steps   []planStep `json:"steps"`
}

type planPayload struct {
	Requirements []planRequirement `json:"requirements"`
	Transitions  []string          `json:"transitions"`
	Risks        []string          `json:"risks"`
	Coverage     float64           `json:"coverage"`
	Depth        float64           `json:"depth"`
}

type explorePayload struct {
	Selectors    map[string]string `json:"selectors"`
	Missing      []string          `json:"missing"`
	Values       map[string]string `json:"values"`
	Transitions  []string          `json:"transitions"`
	Observations []string          `json:"observations"`
	Coverage     float64           `json:"coverage"`
}

type generatePayload struct {
	ScriptPath       string   `json:"script_path"`
	Confidence       float64  `json:"confidence"`
	ReusedComponents int      `json:"reused_components"`
	NewComponents    int      `json:"new_components"`
	Warnings         []string `json:"warnings"`
}

type reviewIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type reviewPayload struct {
	Verdict    string        `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Issues     []reviewIssue `json:"issues"`
}

type verifyPayload struct {
	Verdict  string   `json:"verdict"`
	PassRate float64  `json:"pass_rate"`
	Broken   []string `json:"broken"`
}

// extractJSON pulls the first JSON object out of a model reply. A fenced
// ```json block wins; otherwise the first balanced top-level object is
// used. Braces inside string literals do not count toward balance.
func extractJSON(text string) ([]byte, error) {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return []byte(strings.TrimSpace(rest[:j])), nil
		}
	}
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(text[start : i+1]), nil
			}
		}
	}
	return nil, fmt.Errorf("unbalanced JSON object in reply")
}

// ParseReply extracts the mandated JSON object from a model reply
// into v.
func ParseReply(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	return nil
}

// validatePlan checks structural soundness before the loop commits to
// the cognitive path. A plan with empty requirements or requirements
// without steps is worse than no plan at all.
func validatePlan(p *planPayload) error {
	if len(p.Requirements) == 0 {
		return fmt.Errorf("plan lists no requirements")
	}
	for _, r := range p.Requirements {
		if len(r.Steps) == 0 {
			return fmt.Errorf("requirement %q has no steps", r.ID)
		}
		for _, s := range r.Steps {
			switch s.Action {
			case "interact", "observe", "verify":
			default:
				return fmt.Errorf("requirement %q has step with invalid action %q", r.ID, s.Action)
			}
		}
	}
	return nil
}

// issueSummaries flattens review issues into fix instructions for the
// coder; minor issues are not worth a regeneration round.
func issueSummaries(issues []reviewIssue) []string {
	var out []string
	for _, is := range issues {
		if is.Severity == "minor" {
			continue
		}
		out = append(out, fmt.Sprintf("[%s] %s", is.Severity, is.Description))
	}
	return out
}
