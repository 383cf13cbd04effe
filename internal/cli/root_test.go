package cli

import (
	"bytes"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3-test")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "scriptmill version 1.2.3-test") {
		t.Errorf("version output = %q, want the injected version string", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "batch", "status", "runs", "events", "serve", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestRunsSubcommands(t *testing.T) {
	out, err := executeCommand("runs", "reap", "--help")
	if err != nil {
		t.Fatalf("runs reap --help failed: %v", err)
	}
	if !strings.Contains(out, "max-age") {
		t.Errorf("reap help missing max-age flag, got: %s", out)
	}
}

func TestRunRejectsMissingArg(t *testing.T) {
	_, err := executeCommand("run")
	if err == nil {
		t.Fatal("run with no work item should error")
	}
}
