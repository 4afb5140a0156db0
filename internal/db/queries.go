package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/scenefactory/internal/pipeline"
)

// RunStatusRunning marks a run that has started but not finished.
const RunStatusRunning = "running"

// Run represents a row in the runs table.
type Run struct {
	ID          string
	Prompt      string
	Title       string
	Status      string
	Failure     string
	SceneName   string
	CodeVersion int
	VideoPath   string
	Published   string
	FixPasses   int
	LintUsed    int
	RenderUsed  int
	SessionDir  string
	Error       string
	StartedAt   string
	DurationMs  int64
	UpdatedAt   string
}

// Event represents a row in the run_events table.
type Event struct {
	ID        int64
	RunID     string
	Event     string
	Stage     string
	Detail    string
	Timestamp string
}

// StartRun records a run that is about to execute.
func (d *DB) StartRun(id, prompt, sessionDir string) error {
	now := timestamp(d.now())
	_, err := d.exec(
		`INSERT INTO runs (id, prompt, status, session_dir, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, prompt, RunStatusRunning, sessionDir, now, now,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// SaveRun stores the terminal state of a run, creating the row if needed.
// published is the served video path, empty when nothing was published.
func (d *DB) SaveRun(r *pipeline.Result, prompt, published string) error {
	title := ""
	if r.Upgraded != nil {
		title = r.Upgraded.Title
	}
	started := r.StartedAt
	if started.IsZero() {
		started = d.now()
	}
	_, err := d.exec(
		`INSERT INTO runs (id, prompt, title, status, failure, scene_name, code_version, video_path, published,
		                   fix_passes, lint_used, render_used, session_dir, error, started_at, duration_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		    title = excluded.title, status = excluded.status, failure = excluded.failure,
		    scene_name = excluded.scene_name, code_version = excluded.code_version,
		    video_path = excluded.video_path, published = excluded.published,
		    fix_passes = excluded.fix_passes, lint_used = excluded.lint_used, render_used = excluded.render_used,
		    session_dir = excluded.session_dir, error = excluded.error,
		    started_at = excluded.started_at, duration_ms = excluded.duration_ms, updated_at = excluded.updated_at`,
		r.RunID, prompt, title, r.Status(), string(r.Failure), r.Code.SceneName, r.Code.Version, r.VideoPath, published,
		r.FixPasses, r.Budgets.Lint.Used, r.Budgets.Render.Used, r.SessionDir, r.Error,
		timestamp(started), r.Duration.Milliseconds(), timestamp(d.now()),
	)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

const runColumns = `id, prompt, title, status, failure, scene_name, code_version, video_path, published,
	fix_passes, lint_used, render_used, session_dir, error, started_at, duration_ms, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var title, failure, scene, video, published, sessionDir, errText sql.NullString
	err := s.Scan(&r.ID, &r.Prompt, &title, &r.Status, &failure, &scene, &r.CodeVersion, &video, &published,
		&r.FixPasses, &r.LintUsed, &r.RenderUsed, &sessionDir, &errText, &r.StartedAt, &r.DurationMs, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Title = title.String
	r.Failure = failure.String
	r.SceneName = scene.String
	r.VideoPath = video.String
	r.Published = published.String
	r.SessionDir = sessionDir.String
	r.Error = errText.String
	return &r, nil
}

// GetRun returns a run by ID, or nil if it does not exist.
func (d *DB) GetRun(id string) (*Run, error) {
	r, err := scanRun(d.queryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first. An empty status returns every run;
// limit <= 0 means no limit.
func (d *DB) ListRuns(status string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its events.
func (d *DB) DeleteRun(id string) error {
	if _, err := d.exec(`DELETE FROM run_events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	if _, err := d.exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// LogEvent inserts a pipeline event for a run.
func (d *DB) LogEvent(runID, event, stage, detail string) error {
	_, err := d.exec(
		`INSERT INTO run_events (run_id, event, stage, detail, timestamp) VALUES (?, ?, ?, ?, ?)`,
		runID, event, stage, detail, timestamp(d.now()),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Events returns all events for a run in insertion order.
func (d *DB) Events(runID string) ([]Event, error) {
	rows, err := d.query(
		`SELECT id, run_id, event, stage, detail, timestamp FROM run_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// Rebind rewrites ? placeholders for the active dialect.
func (d *DB) Rebind(query string) string {
	return d.rebind(query)
}

// SetClock overrides the time source. Used by tests.
func (d *DB) SetClock(now func() time.Time) {
	d.now = now
}
