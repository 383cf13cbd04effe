package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/eventlog"
)

var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show the pipeline event trail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		var events []eventlog.RunEvent
		if len(args) == 1 {
			events, err = a.events.GetRunHistory(args[0])
		} else {
			limit, _ := cmd.Flags().GetInt("limit")
			events, err = a.events.RecentEvents(limit)
		}
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(events, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		if len(events) == 0 {
			fmt.Fprintln(w, "No events found.")
			return nil
		}
		for _, ev := range events {
			stage := ev.Stage
			if stage == "" {
				stage = "-"
			}
			line := fmt.Sprintf("%s  %-12s %-14s %s", ev.Timestamp, ev.Event, stage, ev.WorkItem)
			if ev.Detail != "" {
				line += "  " + ev.Detail
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-stage pass rates across all recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := a.events.StagePassRates()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(stats) == 0 {
			fmt.Fprintln(w, "No stage outcomes recorded yet.")
			return nil
		}
		fmt.Fprintf(w, "%-14s %-8s %-8s %s\n", "STAGE", "PASSED", "FAILED", "RATE")
		fmt.Fprintf(w, "%-14s %-8s %-8s %s\n",
			strings.Repeat("-", 14),
			strings.Repeat("-", 8),
			strings.Repeat("-", 8),
			strings.Repeat("-", 5))
		for _, st := range stats {
			fmt.Fprintf(w, "%-14s %-8d %-8d %.0f%%\n", st.Stage, st.Passed, st.Failed, st.PassRate*100)
		}
		return nil
	},
}

func init() {
	eventsCmd.Flags().Int("limit", 50, "Maximum events to show when no run ID is given")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
	eventsCmd.AddCommand(statsCmd)
}
