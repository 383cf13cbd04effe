package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scriptmill.yaml")
	cfg := "probe:\n  warn_below: 50\n  abort_below: 60\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	defer rootCmd.PersistentFlags().Set("config", "")

	_, err := executeCommand("runs", "--config", path)
	if err == nil {
		t.Fatal("runs accepted a config with abort_below above warn_below")
	}
	if !strings.Contains(err.Error(), "abort_below") {
		t.Errorf("error = %q, want the abort_below validation message", err)
	}
}
