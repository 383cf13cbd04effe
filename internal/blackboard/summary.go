package blackboard

import (
	"fmt"
	"sort"
	"strings"
)

// Summary renders a compact digest for injection into targetAgent's
// instructions: prior decisions, known constraints, available artifacts,
// answered questions, and pending questions addressed to it. The point
// is that later stages see why earlier ones chose what they chose, not
// just what they made. Answered exchanges go to every agent, since the
// answer is shared knowledge once it lands on the board.
func (b *Board) Summary(targetAgent string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder

	var decisions, constraints []ContextEntry
	for _, e := range b.doc.Entries {
		switch e.Type {
		case EntryDecision:
			decisions = append(decisions, e)
		case EntryConstraint:
			constraints = append(constraints, e)
		}
	}

	if len(decisions) > 0 {
		sb.WriteString("## Prior decisions\n")
		for _, e := range decisions {
			fmt.Fprintf(&sb, "- [%s] %s", e.Agent, e.Content)
			if e.Reasoning != "" {
				fmt.Fprintf(&sb, " (because: %s)", e.Reasoning)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	if len(constraints) > 0 {
		sb.WriteString("## Constraints\n")
		for _, e := range constraints {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Agent, e.Content)
		}
		sb.WriteString("\n")
	}

	if len(b.doc.Artifacts) > 0 {
		sb.WriteString("## Available artifacts\n")
		for _, key := range sortedArtifactKeys(b.doc.Artifacts) {
			a := b.doc.Artifacts[key]
			fmt.Fprintf(&sb, "- %s: %s (from %s)\n", a.Key, a.Path, a.ProducingAgent)
		}
		sb.WriteString("\n")
	}

	var answered []Question
	for _, q := range b.doc.Questions {
		if !q.Pending() {
			answered = append(answered, *q)
		}
	}
	sortQuestions(answered)
	if len(answered) > 0 {
		sb.WriteString("## Answered questions\n")
		for _, q := range answered {
			fmt.Fprintf(&sb, "- Q [%s->%s]: %s\n", q.AskedBy, q.TargetAgent, q.Question)
			fmt.Fprintf(&sb, "  A [%s]: %s\n", q.AnsweredBy, q.Answer)
		}
		sb.WriteString("\n")
	}

	var pending []Question
	for _, q := range b.doc.Questions {
		if q.Pending() && q.TargetAgent == targetAgent {
			pending = append(pending, *q)
		}
	}
	sortQuestions(pending)
	if len(pending) > 0 {
		fmt.Fprintf(&sb, "## Open questions for you (%s)\n", targetAgent)
		for _, q := range pending {
			fmt.Fprintf(&sb, "- [%s] %s (asked by %s)\n", q.QuestionID, q.Question, q.AskedBy)
		}
		sb.WriteString("\n")
	}

	return strings.TrimSpace(sb.String())
}

func sortedArtifactKeys(m map[string]Artifact) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
