package store

import (
	"context"
	"database/sql"
	"time"
)

// ImportRun audits one CSV import.
type ImportRun struct {
	ID               int64
	RunID            string
	StartedAt        time.Time
	FinishedAt       sql.NullTime
	Source           string // redacted path or URL
	SizeBytes        sql.NullInt64
	RowsParsed       sql.NullInt64
	RowsStored       sql.NullInt64
	RowsFlagged      sql.NullInt64 // rows stored with at least one quality flag
	ParseErrors      sql.NullInt64 // rows rejected outright
	SkippedDuplicate bool
	Success          bool
	ErrorMessage     sql.NullString
}

// StartImportRun creates a new import run record and returns it.
func (s *Store) StartImportRun(ctx context.Context, runID, source string) (*ImportRun, error) {
	run := &ImportRun{
		RunID:     runID,
		StartedAt: s.now(),
		Source:    source,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO import_runs (run_id, started_at, source, success)
		VALUES (?, ?, ?, FALSE)
	`, run.RunID, run.StartedAt, run.Source)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteImportRun updates the import run with results.
func (s *Store) CompleteImportRun(ctx context.Context, run *ImportRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.now(), Valid: true}

	_, err := s.db.ExecContext(ctx, `
		UPDATE import_runs SET
			finished_at = ?,
			size_bytes = ?,
			rows_parsed = ?,
			rows_stored = ?,
			rows_flagged = ?,
			parse_errors = ?,
			skipped_duplicate = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.SizeBytes, run.RowsParsed, run.RowsStored, run.RowsFlagged,
		run.ParseErrors, run.SkippedDuplicate, run.Success, run.ErrorMessage, run.ID)
	return err
}

// GetRecentImportRuns returns the latest import runs, newest first.
func (s *Store) GetRecentImportRuns(ctx context.Context, limit int) ([]ImportRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, started_at, finished_at, source, size_bytes, rows_parsed,
		       rows_stored, rows_flagged, parse_errors, skipped_duplicate, success, error_message
		FROM import_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ImportRun
	for rows.Next() {
		var r ImportRun
		if err := rows.Scan(&r.ID, &r.RunID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.SizeBytes,
			&r.RowsParsed, &r.RowsStored, &r.RowsFlagged, &r.ParseErrors, &r.SkippedDuplicate,
			&r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
