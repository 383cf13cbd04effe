// Package cli wires the scriptmill commands.
package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

// SetVersion records the build version for the version command.
func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "scriptmill",
	Short: "An LLM-driven test-automation pipeline",
	Long: `scriptmill drives QA work items through an orchestrated pipeline of
LLM task-executor sessions: ticket ingestion, test-case authoring, phased
script generation, quality gates, execution, self-healing and defect filing.

All state is stored under ~/.scriptmill/ (JSON ledger for runs, one JSON
blackboard per run, SQLite for the event trail).`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (default ./scriptmill.yaml, then ~/.scriptmill/config.yaml)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(serveCmd)
}
