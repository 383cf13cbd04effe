package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lunarbay/scriptmill/internal/blackboard"
	"github.com/lunarbay/scriptmill/internal/config"
	"github.com/lunarbay/scriptmill/internal/eventlog"
	"github.com/lunarbay/scriptmill/internal/executor"
	"github.com/lunarbay/scriptmill/internal/pipeline"
	"github.com/lunarbay/scriptmill/internal/runstore"
)

// app bundles the shared state every command needs.
type app struct {
	cfg    *config.Config
	store  *runstore.Store
	boards *blackboard.Manager
	events *eventlog.DB
}

// newApp loads config and opens the stores. The returned cleanup must
// be called before exit.
func newApp(cmd *cobra.Command) (*app, func(), error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := runstore.Open(filepath.Join(cfg.StateDir, "runs.json"), cfg.Pipeline.MaxRetainedRuns)
	if err != nil {
		return nil, nil, fmt.Errorf("open run ledger: %w", err)
	}
	boards := blackboard.NewManager(filepath.Join(cfg.StateDir, "boards"), cfg.Board.MaxEntries)

	events, err := eventlog.Open(filepath.Join(cfg.StateDir, "scriptmill.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	if err := events.Migrate(); err != nil {
		events.Close()
		return nil, nil, fmt.Errorf("migrate event log: %w", err)
	}

	a := &app{cfg: cfg, store: store, boards: boards, events: events}
	cleanup := func() { _ = events.Close() }
	return a, cleanup, nil
}

// runner builds a pipeline Runner writing progress to out.
func (a *app) runner(out io.Writer) *pipeline.Runner {
	client := executor.NewCLIClient(a.cfg.Executor.Command, a.cfg.Executor.Args, a.cfg.Executor.Model)
	return pipeline.New(a.cfg, a.store, a.boards, client, a.events, out)
}
