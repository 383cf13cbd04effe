package coordinator

import (
	"context"
	"fmt"

	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/prompt"
)

// FallbackAnswer is returned once the mini-session budget is exhausted,
// so chatty cross-stage questioning degrades instead of failing callers.
const FallbackAnswer = "mini-session limit reached; proceed using your best judgment"

// AskAgent runs one bounded question/answer exchange: it spins up a
// short-lived session scoped to targetStage, seeds it with the shared
// context, sends the question, waits for the reply, records the pair on
// the blackboard, and tears the session down.
func (c *Coordinator) AskAgent(ctx context.Context, askingStage, targetStage, question string) (string, error) {
	c.mu.Lock()
	if c.miniUsed >= c.maxMiniSessions {
		c.mu.Unlock()
		c.logf("askAgent %s→%s: budget exhausted", askingStage, targetStage)
		return FallbackAnswer, nil
	}
	c.miniUsed++
	c.mu.Unlock()

	questionID, err := c.board.PostQuestion(askingStage, targetStage, question)
	if err != nil {
		return "", fmt.Errorf("post question: %w", err)
	}

	tmpl, err := prompt.Load("question.md", "")
	if err != nil {
		return "", fmt.Errorf("load question template: %w", err)
	}
	rendered, err := prompt.Render(tmpl, prompt.Vars{
		"target_stage":    targetStage,
		"asking_stage":    askingStage,
		"question":        question,
		"context_summary": c.board.Summary(targetStage),
	})
	if err != nil {
		return "", fmt.Errorf("render question prompt: %w", err)
	}

	sess, err := c.client.CreateSession(targetStage+"-mini", executor.SessionConfig{})
	if err != nil {
		return "", fmt.Errorf("create mini-session: %w", err)
	}
	defer c.client.DestroySession(sess.ID())

	c.logf("askAgent %s→%s: %q", askingStage, targetStage, question)
	answer, err := sess.SendAndWait(ctx, rendered, executor.SendOpts{Timeout: c.questionTimeout})
	if err != nil {
		return "", fmt.Errorf("mini-session reply: %w", err)
	}

	if err := c.board.AnswerQuestion(questionID, targetStage, answer); err != nil {
		return "", fmt.Errorf("record answer: %w", err)
	}
	return answer, nil
}

// MiniSessionsUsed reports how many of the bounded side-sessions this
// run has consumed.
func (c *Coordinator) MiniSessionsUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.miniUsed
}
