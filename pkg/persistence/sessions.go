// Package persistence provides the SQLite run archive.
package persistence

import (
	"database/sql"
	"fmt"
)

// InsertSession records the outcome of one agent session. The created_at
// timestamp is filled by the database.
func (s *Store) InsertSession(rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (
			id, run_id, role, phase, subtask_id, outcome,
			prompt_tokens, completion_tokens, total_tokens,
			tool_calls, steps, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		rec.ID, rec.RunID, rec.Role, rec.Phase, rec.SubtaskID, rec.Outcome,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.ToolCalls, rec.Steps, rec.DurationMs, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	return nil
}

// GetSessionsByRun returns all session records for a run in execution order.
func (s *Store) GetSessionsByRun(runID string) ([]*SessionRecord, error) {
	query := `
		SELECT id, run_id, role, phase, subtask_id, outcome,
		       prompt_tokens, completion_tokens, total_tokens,
		       tool_calls, steps, duration_ms, error, created_at
		FROM sessions
		WHERE run_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessionRows(rows)
}

// ListRecentSessions returns the most recent session records across all runs.
func (s *Store) ListRecentSessions(limit int) ([]*SessionRecord, error) {
	query := `
		SELECT id, run_id, role, phase, subtask_id, outcome,
		       prompt_tokens, completion_tokens, total_tokens,
		       tool_calls, steps, duration_ms, error, created_at
		FROM sessions
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessionRows(rows)
}

// scanSessionRows scans session rows into SessionRecord structs.
func scanSessionRows(rows *sql.Rows) ([]*SessionRecord, error) {
	var records []*SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var subtaskID, errMsg sql.NullString
		err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.Role, &rec.Phase, &subtaskID, &rec.Outcome,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
			&rec.ToolCalls, &rec.Steps, &rec.DurationMs, &errMsg, &rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		rec.SubtaskID = subtaskID.String
		rec.Error = errMsg.String
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return records, nil
}
