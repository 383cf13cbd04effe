package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <work-item-id>",
	Short: "Drive one work item through the pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		mode, _ := cmd.Flags().GetString("mode")
		if _, err := pipeline.StagesForMode(mode); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		runner := a.runner(out)
		res, err := runner.Run(ctx, args[0], mode, func(stage, msg string) {
			fmt.Fprintf(out, "[%s] %s\n", stage, msg)
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "\nrun %s: ", res.RunID)
		if res.Success {
			fmt.Fprintln(out, "completed")
		} else {
			fmt.Fprintf(out, "failed: %s\n", res.Error)
		}
		if res.LastCompletedStage != "" {
			fmt.Fprintf(out, "last completed stage: %s\n", res.LastCompletedStage)
		}
		if res.ReportPath != "" {
			fmt.Fprintf(out, "report: %s\n", res.ReportPath)
		}
		if !res.Success {
			return fmt.Errorf("run %s failed", res.RunID)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().String("mode", pipeline.ModeFull, "Pipeline mode: full, generate or execute")
}
