package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/pipeline"
	"github.com/lunarbay/scriptmill/internal/runstore"
)

var batchCmd = &cobra.Command{
	Use:   "batch <work-item-id>...",
	Short: "Run several work items as one batch",
	Args:  cobra.MinimumNArgs(1),
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

		runs := make([]*runstore.PipelineRun, 0, len(args))
		ids := make([]string, 0, len(args))
		for _, wi := range args {
			run, err := a.store.CreateRun(wi, mode, "")
			if err != nil {
				return fmt.Errorf("create run for %s: %w", wi, err)
			}
			runs = append(runs, run)
			ids = append(ids, run.RunID)
		}
		batch, err := a.store.CreateBatch(ids)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "batch %s: %d runs, %d workers\n", batch.BatchID, len(runs), a.cfg.Pipeline.BatchWorkers)

		runner := a.runner(out)
		sem := make(chan struct{}, a.cfg.Pipeline.BatchWorkers)
		var wg sync.WaitGroup
		for _, run := range runs {
			wg.Add(1)
			go func(run *runstore.PipelineRun) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				res, err := runner.RunInBatch(ctx, run, nil)
				switch {
				case err != nil:
					fmt.Fprintf(out, "run %s (%s): error: %v\n", run.RunID, run.WorkItemID, err)
				case res.Success:
					fmt.Fprintf(out, "run %s (%s): completed\n", run.RunID, run.WorkItemID)
				default:
					fmt.Fprintf(out, "run %s (%s): failed: %s\n", run.RunID, run.WorkItemID, res.Error)
				}
			}(run)
		}
		wg.Wait()

		st, err := a.store.GetBatchStatus(batch.BatchID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nbatch %s: %d passed, %d failed, %d cancelled\n", st.BatchID, st.Passed, st.Failed, st.Cancelled)
		if st.Failed > 0 || st.Cancelled > 0 {
			return fmt.Errorf("batch %s had failures", st.BatchID)
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().String("mode", pipeline.ModeFull, "Pipeline mode: full, generate or execute")
}
