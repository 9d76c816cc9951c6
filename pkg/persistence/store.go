package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRunNotFound is returned when a requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// Store provides methods for archive operations.
// All writes go through the single-writer connection configured in Initialize.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertRun records the start of a run. The started_at timestamp is filled
// by the database.
func (s *Store) InsertRun(run *Run) error {
	status := run.Status
	if status == "" {
		status = RunStatusRunning
	}

	query := `
		INSERT INTO runs (id, kind, spec_dir, task, status)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query, run.ID, run.Kind, run.SpecDir, run.Task, status)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun updates the terminal status, QA iteration count and error of a run
// and stamps ended_at.
func (s *Store) FinishRun(runID, status string, qaIterations int, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, qa_iterations = ?, error = ?,
		    ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id = ?
	`, status, qaIterations, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// MarkStaleRuns marks any 'running' runs as failed.
// This should be called at startup to detect runs that didn't finish cleanly.
func (s *Store) MarkStaleRuns() (int64, error) {
	result, err := s.db.Exec(`
		UPDATE runs
		SET status = ?, error = 'process exited before the run finished',
		    ended_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, RunStatusFailed, RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale runs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// GetRunByID returns a run by its ID.
// Returns ErrRunNotFound if the run does not exist.
func (s *Store) GetRunByID(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, spec_dir, task, status, qa_iterations, error, started_at, ended_at
		FROM runs WHERE id = ?
	`, runID)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns runs matching the given filter criteria, most recent first.
// A nil filter returns all runs.
func (s *Store) ListRuns(filter *RunFilter) ([]*Run, error) {
	query := `
		SELECT id, kind, spec_dir, task, status, qa_iterations, error, started_at, ended_at
		FROM runs WHERE 1=1
	`
	var args []interface{}

	if filter != nil {
		if filter.Status != nil {
			query += " AND status = ?"
			args = append(args, *filter.Status)
		}
		if filter.Kind != nil {
			query += " AND kind = ?"
			args = append(args, *filter.Kind)
		}
		if len(filter.Statuses) > 0 {
			placeholders := strings.Repeat("?,", len(filter.Statuses))
			placeholders = placeholders[:len(placeholders)-1] // Remove trailing comma
			query += fmt.Sprintf(" AND status IN (%s)", placeholders)
			for _, status := range filter.Statuses {
				args = append(args, status)
			}
		}
	}

	query += " ORDER BY started_at DESC"
	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var task, errMsg sql.NullString
		var endedAt sql.NullString
		err := rows.Scan(
			&run.ID, &run.Kind, &run.SpecDir, &task, &run.Status,
			&run.QAIterations, &errMsg, &run.StartedAt, &endedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Task = task.String
		run.Error = errMsg.String
		run.EndedAt = parseNullTime(endedAt)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return runs, nil
}

// RecordQAIteration records one QA review cycle for a run.
func (s *Store) RecordQAIteration(qa *QAIteration) error {
	query := `
		INSERT OR REPLACE INTO qa_iterations (run_id, iteration, verdict, issues)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.Exec(query, qa.RunID, qa.Iteration, qa.Verdict, qa.Issues)
	if err != nil {
		return fmt.Errorf("failed to record qa iteration %d for run %s: %w", qa.Iteration, qa.RunID, err)
	}
	return nil
}

// GetQAIterationsByRun returns all QA iterations for a run in order.
func (s *Store) GetQAIterationsByRun(runID string) ([]*QAIteration, error) {
	query := `
		SELECT run_id, iteration, verdict, issues, created_at
		FROM qa_iterations
		WHERE run_id = ?
		ORDER BY iteration ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query qa iterations for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var iterations []*QAIteration
	for rows.Next() {
		var qa QAIteration
		if err := rows.Scan(&qa.RunID, &qa.Iteration, &qa.Verdict, &qa.Issues, &qa.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan qa iteration: %w", err)
		}
		iterations = append(iterations, &qa)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return iterations, nil
}

// GetRunSummary returns aggregated session metrics for a run.
func (s *Store) GetRunSummary(runID string) (*RunSummary, error) {
	query := `
		SELECT
			run_id,
			COUNT(*) as total_sessions,
			SUM(CASE WHEN outcome IN ('completed', 'max_steps') THEN 0 ELSE 1 END) as failed_sessions,
			SUM(total_tokens) as total_tokens,
			SUM(duration_ms) as total_duration,
			MAX(created_at) as last_session
		FROM sessions
		WHERE run_id = ?
		GROUP BY run_id
	`

	summary := &RunSummary{RunID: runID}
	var lastSession sql.NullString
	err := s.db.QueryRow(query, runID).Scan(
		&summary.RunID,
		&summary.TotalSessions,
		&summary.FailedSessions,
		&summary.TotalTokens,
		&summary.TotalDuration,
		&lastSession,
	)

	if errors.Is(err, sql.ErrNoRows) {
		// No sessions for this run yet
		return summary, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run summary for %s: %w", runID, err)
	}

	summary.LastSession = parseNullTime(lastSession)
	return summary, nil
}

// PruneRunsBefore deletes finished runs started before the cutoff, along with
// their sessions and QA iterations. Running runs are kept.
func (s *Store) PruneRunsBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`
		DELETE FROM runs
		WHERE started_at < ? AND status != ?
	`, cutoff.UTC().Format("2006-01-02T15:04:05.000Z"), RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// scanRun scans a run row into a Run struct.
func scanRun(row *sql.Row) (*Run, error) {
	run := &Run{}
	var task, errMsg sql.NullString
	var endedAt sql.NullString
	err := row.Scan(
		&run.ID, &run.Kind, &run.SpecDir, &task, &run.Status,
		&run.QAIterations, &errMsg, &run.StartedAt, &endedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Task = task.String
	run.Error = errMsg.String
	run.EndedAt = parseNullTime(endedAt)
	return run, nil
}

// parseNullTime converts a nullable DATETIME column to a *time.Time.
func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
