package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// CLIClient runs executor sessions by shelling out to an agent CLI in
// print mode, one subprocess per SendAndWait. Conversation continuity is
// kept by replaying the session transcript into each invocation.
type CLIClient struct {
	command string
	args    []string
	model   string

	mu       sync.Mutex
	sessions map[string]*cliSession
}

// NewCLIClient creates a client around the given agent CLI binary.
func NewCLIClient(command string, args []string, model string) *CLIClient {
	return &CLIClient{
		command:  command,
		args:     args,
		model:    model,
		sessions: make(map[string]*cliSession),
	}
}

// CreateSession registers a new session for role.
func (c *CLIClient) CreateSession(role string, cfg SessionConfig) (Session, error) {
	if c.command == "" {
		return nil, fmt.Errorf("executor command not configured")
	}
	s := &cliSession{
		id:     fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		role:   role,
		cfg:    cfg,
		client: c,
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	return s, nil
}

// DestroySession drops the session and its transcript.
func (c *CLIClient) DestroySession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[id]; !ok {
		return fmt.Errorf("session %q does not exist", id)
	}
	delete(c.sessions, id)
	return nil
}

type exchange struct {
	prompt string
	reply  string
}

type cliSession struct {
	id     string
	role   string
	cfg    SessionConfig
	client *CLIClient

	mu      sync.Mutex
	history []exchange
}

func (s *cliSession) ID() string { return s.id }

// SendAndWait spawns one agent CLI invocation, feeds the prompt (plus
// prior transcript) on stdin, and streams stdout lines as deltas.
func (s *cliSession) SendAndWait(ctx context.Context, prompt string, opts SendOpts) (string, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := append([]string(nil), s.client.args...)
	if s.cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", s.cfg.SystemPrompt)
	}
	model := s.cfg.Model
	if model == "" {
		model = s.client.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if len(s.cfg.AllowTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(s.cfg.AllowTools, ","))
	}

	cmd := exec.CommandContext(ctx, s.client.command, args...)
	if s.cfg.Workdir != "" {
		cmd.Dir = s.cfg.Workdir
	}
	cmd.Stdin = strings.NewReader(s.transcriptWith(prompt))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start executor %q: %w", s.client.command, err)
	}

	var out strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.WriteString(line)
		out.WriteString("\n")
		if opts.OnDelta != nil {
			opts.OnDelta(line)
		}
	}
	scanErr := scanner.Err()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("session %s timed out after %s", s.id, opts.Timeout)
		}
		return "", fmt.Errorf("executor exited: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return "", fmt.Errorf("read executor output: %w", scanErr)
	}

	reply := out.String()
	s.mu.Lock()
	s.history = append(s.history, exchange{prompt: prompt, reply: reply})
	s.mu.Unlock()
	return reply, nil
}

// transcriptWith renders the prior exchanges plus the new prompt so a
// print-mode CLI sees the whole conversation each time.
func (s *cliSession) transcriptWith(prompt string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.history) == 0 {
		return prompt
	}
	var sb strings.Builder
	for _, ex := range s.history {
		sb.WriteString(ex.prompt)
		sb.WriteString("\n\n[previous reply]\n")
		sb.WriteString(ex.reply)
		sb.WriteString("\n\n")
	}
	sb.WriteString(prompt)
	return sb.String()
}

// interface check
var _ Client = (*CLIClient)(nil)
