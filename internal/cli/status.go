package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/runstore"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id|batch-id>",
	Short: "Show status of a run or batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		format, _ := cmd.Flags().GetString("format")
		w := cmd.OutOrStdout()

		run, err := a.store.GetRun(args[0])
		if err == nil {
			if format == "json" {
				data, _ := json.MarshalIndent(run, "", "  ")
				fmt.Fprintln(w, string(data))
				return nil
			}
			printRun(w, run)
			return nil
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			return err
		}

		// Not a run ID; maybe a batch.
		st, berr := a.store.GetBatchStatus(args[0])
		if berr != nil {
			return fmt.Errorf("no run or batch %s", args[0])
		}
		if format == "json" {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		fmt.Fprintf(w, "batch %s\n", st.BatchID)
		fmt.Fprintf(w, "  total:     %d\n", st.Total)
		fmt.Fprintf(w, "  passed:    %d\n", st.Passed)
		fmt.Fprintf(w, "  failed:    %d\n", st.Failed)
		fmt.Fprintf(w, "  cancelled: %d\n", st.Cancelled)
		fmt.Fprintf(w, "  in flight: %d\n", st.InFlight)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
