package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/runstore"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List pipeline runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		status, _ := cmd.Flags().GetString("status")
		runs, err := a.store.ListRuns(runstore.RunStatus(status))
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(runs, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}
		fmt.Fprintf(w, "%-36s %-12s %-10s %-10s %-20s %s\n", "RUN", "WORK ITEM", "MODE", "STATUS", "CREATED", "ERROR")
		fmt.Fprintf(w, "%-36s %-12s %-10s %-10s %-20s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 12),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 20),
			strings.Repeat("-", 5))
		for _, run := range runs {
			errMsg := run.Error
			if len(errMsg) > 40 {
				errMsg = errMsg[:37] + "..."
			}
			fmt.Fprintf(w, "%-36s %-12s %-10s %-10s %-20s %s\n",
				run.RunID, run.WorkItemID, run.Mode, run.Status,
				run.CreatedAt.Format("2006-01-02 15:04:05"), errMsg)
		}
		return nil
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Force-cancel in-flight runs older than --max-age",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		maxAge, _ := cmd.Flags().GetDuration("max-age")
		stale, err := a.store.GetStaleRuns(maxAge)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(stale) == 0 {
			fmt.Fprintln(w, "No stale runs.")
			return nil
		}
		for _, run := range stale {
			reason := fmt.Sprintf("reaped after exceeding %s", maxAge)
			if err := a.store.ForceCancelRun(run.RunID, reason); err != nil {
				fmt.Fprintf(w, "run %s: %v\n", run.RunID, err)
				continue
			}
			fmt.Fprintf(w, "run %s (%s): cancelled, stale since %s\n",
				run.RunID, run.WorkItemID, run.CreatedAt.Format(time.RFC3339))
		}
		return nil
	},
}

// printRun renders one run as an indented text block with a stage table.
func printRun(w io.Writer, run *runstore.PipelineRun) {
	fmt.Fprintf(w, "run %s\n", run.RunID)
	fmt.Fprintf(w, "  work item: %s\n", run.WorkItemID)
	fmt.Fprintf(w, "  mode:      %s\n", run.Mode)
	fmt.Fprintf(w, "  status:    %s\n", run.Status)
	if run.BatchID != "" {
		fmt.Fprintf(w, "  batch:     %s\n", run.BatchID)
	}
	if run.Error != "" {
		fmt.Fprintf(w, "  error:     %s\n", run.Error)
	}
	if len(run.Stages) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "  %-14s %-10s %-10s %s\n", "STAGE", "STATUS", "DURATION", "MESSAGE")
		for _, st := range run.Stages {
			msg := st.Message
			if len(msg) > 50 {
				msg = msg[:47] + "..."
			}
			fmt.Fprintf(w, "  %-14s %-10s %-10s %s\n", st.Name, st.Status, st.Duration, msg)
		}
	}
	if len(run.Artifacts) > 0 {
		fmt.Fprintln(w)
		for key, path := range run.Artifacts {
			fmt.Fprintf(w, "  artifact %s: %s\n", key, path)
		}
	}
}

func init() {
	runsCmd.Flags().String("status", "", "Filter by status (queued, running, completed, failed, cancelled)")
	runsCmd.Flags().String("format", "text", "Output format: text or json")
	reapCmd.Flags().Duration("max-age", 2*time.Hour, "Age past which an in-flight run is cancelled")
	runsCmd.AddCommand(reapCmd)
}
