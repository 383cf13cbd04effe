package eventlog

import (
	"database/sql"
	"fmt"
)

// Run event names.
const (
	EventRunStarted   = "run_started"
	EventStageStarted = "stage_started"
	EventStagePassed  = "stage_passed"
	EventStageFailed  = "stage_failed"
	EventStageSkipped = "stage_skipped"
	EventRouted       = "routed"
	EventEscalated    = "escalated"
	EventDelegated    = "delegated"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
)

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID        int
	RunID     string
	WorkItem  string
	Stage     string
	Event     string
	Detail    string
	Timestamp string
}

// PhaseRun represents a row in the phase_runs table.
type PhaseRun struct {
	ID         int
	RunID      string
	WorkItem   string
	Phase      string
	Attempt    int
	Success    bool
	Score      float64
	Verdict    string
	DurationMs int
	Timestamp  string
}

// Defect represents a row in the defect_records table.
type Defect struct {
	ID        int
	RunID     string
	WorkItem  string
	TestCase  string
	Severity  string
	Summary   string
	Status    string
	Timestamp string
}

// StageStats aggregates pass and fail counts for one stage.
type StageStats struct {
	Stage    string
	Passed   int
	Failed   int
	PassRate float64
}

// LogRunEvent inserts a run event.
func (d *DB) LogRunEvent(runID, workItem, stage, event, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO run_events (run_id, work_item, stage, event, detail) VALUES (?, ?, ?, ?, ?)`,
		runID, workItem, stage, event, detail,
	)
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	return nil
}

// GetRunHistory returns all events for a run, newest first.
func (d *DB) GetRunHistory(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, work_item, stage, event, detail, timestamp
		 FROM run_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run history: %w", err)
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

// RecentEvents returns the newest events across all runs, capped at limit.
func (d *DB) RecentEvents(limit int) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, work_item, stage, event, detail, timestamp
		 FROM run_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get recent events: %w", err)
	}
	defer rows.Close()
	return scanRunEvents(rows)
}

func scanRunEvents(rows *sql.Rows) ([]RunEvent, error) {
	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.WorkItem, &stage, &e.Event, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		if stage.Valid {
			e.Stage = stage.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogPhaseRun records one generation phase outcome.
func (d *DB) LogPhaseRun(runID, workItem, phase string, attempt int, success bool, score float64, verdict string, durationMs int) error {
	_, err := d.conn.Exec(
		`INSERT INTO phase_runs (run_id, work_item, phase, attempt, success, score, verdict, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, workItem, phase, attempt, success, score, verdict, durationMs,
	)
	if err != nil {
		return fmt.Errorf("log phase run: %w", err)
	}
	return nil
}

// GetPhaseRuns returns all phase outcomes for a run, in execution order.
func (d *DB) GetPhaseRuns(runID string) ([]PhaseRun, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, work_item, phase, attempt, success, score, verdict, duration_ms, timestamp
		 FROM phase_runs WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get phase runs: %w", err)
	}
	defer rows.Close()

	var runs []PhaseRun
	for rows.Next() {
		var p PhaseRun
		var score sql.NullFloat64
		var verdict sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&p.ID, &p.RunID, &p.WorkItem, &p.Phase, &p.Attempt, &p.Success, &score, &verdict, &durationMs, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan phase run: %w", err)
		}
		if score.Valid {
			p.Score = score.Float64
		}
		if verdict.Valid {
			p.Verdict = verdict.String
		}
		if durationMs.Valid {
			p.DurationMs = int(durationMs.Int64)
		}
		runs = append(runs, p)
	}
	return runs, rows.Err()
}

// LogDefect files a defect record and returns its id.
func (d *DB) LogDefect(runID, workItem, testCase, severity, summary string) (int, error) {
	res, err := d.conn.Exec(
		`INSERT INTO defect_records (run_id, work_item, test_case, severity, summary) VALUES (?, ?, ?, ?, ?)`,
		runID, workItem, testCase, severity, summary,
	)
	if err != nil {
		return 0, fmt.Errorf("log defect: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("defect id: %w", err)
	}
	return int(id), nil
}

// FindOpenDefect returns an open defect for the same work item and test
// case, or nil. Used to mark repeat failures as duplicates instead of
// filing them again.
func (d *DB) FindOpenDefect(workItem, testCase string) (*Defect, error) {
	row := d.conn.QueryRow(
		`SELECT id, run_id, work_item, test_case, severity, summary, status, timestamp
		 FROM defect_records WHERE work_item = ? AND test_case = ? AND status = 'open'
		 ORDER BY id DESC LIMIT 1`,
		workItem, testCase,
	)
	var def Defect
	err := row.Scan(&def.ID, &def.RunID, &def.WorkItem, &def.TestCase, &def.Severity, &def.Summary, &def.Status, &def.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open defect: %w", err)
	}
	return &def, nil
}

// SetDefectStatus updates one defect's status.
func (d *DB) SetDefectStatus(id int, status string) error {
	res, err := d.conn.Exec(`UPDATE defect_records SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set defect status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("defect %d not found", id)
	}
	return nil
}

// ListDefects returns defects filtered by status; empty status lists all.
func (d *DB) ListDefects(status string) ([]Defect, error) {
	query := `SELECT id, run_id, work_item, test_case, severity, summary, status, timestamp
		 FROM defect_records`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list defects: %w", err)
	}
	defer rows.Close()

	var defects []Defect
	for rows.Next() {
		var def Defect
		if err := rows.Scan(&def.ID, &def.RunID, &def.WorkItem, &def.TestCase, &def.Severity, &def.Summary, &def.Status, &def.Timestamp); err != nil {
			return nil, fmt.Errorf("scan defect: %w", err)
		}
		defects = append(defects, def)
	}
	return defects, rows.Err()
}

// StagePassRates aggregates stage_passed/stage_failed events into per
// stage pass rates across all recorded runs.
func (d *DB) StagePassRates() ([]StageStats, error) {
	rows, err := d.conn.Query(`
		SELECT stage,
		       SUM(CASE WHEN event = 'stage_passed' THEN 1 ELSE 0 END) AS passed,
		       SUM(CASE WHEN event = 'stage_failed' THEN 1 ELSE 0 END) AS failed
		FROM run_events
		WHERE event IN ('stage_passed', 'stage_failed') AND stage IS NOT NULL
		GROUP BY stage
		ORDER BY stage`)
	if err != nil {
		return nil, fmt.Errorf("stage pass rates: %w", err)
	}
	defer rows.Close()

	var stats []StageStats
	for rows.Next() {
		var s StageStats
		if err := rows.Scan(&s.Stage, &s.Passed, &s.Failed); err != nil {
			return nil, fmt.Errorf("scan stage stats: %w", err)
		}
		if total := s.Passed + s.Failed; total > 0 {
			s.PassRate = float64(s.Passed) / float64(total)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
