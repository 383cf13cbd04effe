package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/lunarbay/scriptmill/internal/stage"
)

// Quality gates run as their own stages. The script gate blocks the
// pipeline on failure; the spreadsheet gate only warns, since downstream
// stages can work from the work item's own data.

type scriptGateStage struct{}

func (scriptGateStage) Name() string { return StageScriptGate }

func (scriptGateStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	path := resolveArtifact(rc, rc.ScriptPath)
	if path == "" {
		return stage.Failed(StageScriptGate, stage.FailureValidation, "no script artifact registered")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return stage.Failed(StageScriptGate, stage.FailureValidation, "script unreadable: "+err.Error())
	}
	if len(data) == 0 {
		return stage.Failed(StageScriptGate, stage.FailureValidation, "script is empty: "+path)
	}
	if !utf8.Valid(data) {
		return stage.Failed(StageScriptGate, stage.FailureValidation, "script is not valid text: "+path)
	}
	if !strings.Contains(string(data), "test") {
		return stage.Failed(StageScriptGate, stage.FailureValidation, "script defines no test cases: "+path)
	}
	return stage.Passed(StageScriptGate, fmt.Sprintf("script ok (%d bytes)", len(data)))
}

type sheetGateStage struct{}

func (sheetGateStage) Name() string { return StageSheetGate }

func (sheetGateStage) Run(ctx context.Context, rc *RunContext) *stage.Result {
	path := resolveArtifact(rc, rc.SheetPath)
	if path == "" {
		return stage.Failed(StageSheetGate, stage.FailureValidation, "no spreadsheet artifact registered")
	}
	f, err := os.Open(path)
	if err != nil {
		return stage.Failed(StageSheetGate, stage.FailureValidation, "spreadsheet unreadable: "+err.Error())
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return stage.Failed(StageSheetGate, stage.FailureValidation, "spreadsheet is not valid CSV: "+err.Error())
	}
	if len(rows) < 2 {
		return stage.Failed(StageSheetGate, stage.FailureValidation, "spreadsheet has a header but no test cases")
	}
	if len(rows[0]) < 6 {
		return stage.Failed(StageSheetGate, stage.FailureValidation,
			fmt.Sprintf("spreadsheet header has %d columns, want at least 6", len(rows[0])))
	}
	return stage.Passed(StageSheetGate, fmt.Sprintf("spreadsheet ok (%d test cases)", len(rows)-1))
}

// resolveArtifact makes a stage-reported path absolute relative to the
// run's output directory.
func resolveArtifact(rc *RunContext, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rc.OutDir, path)
}
