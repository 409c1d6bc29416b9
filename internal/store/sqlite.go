package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Open opens the sqlite database at dsn. Connection failures are reported as
// DataSource errors.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperr.DataSource("open", err)
	}
	if dsn == ":memory:" {
		// Each pooled connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.DataSource("open", err)
	}

	db.ExecContext(ctx, "PRAGMA journal_mode=WAL")
	db.ExecContext(ctx, "PRAGMA busy_timeout=5000")

	return New(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// submittedUnix is the parsed submission time used to order the recent
// window. It is NULL when the stored text does not parse.
func submittedUnix(r models.Reading) sql.NullInt64 {
	if !r.SubmittedAt.Valid {
		return sql.NullInt64{}
	}
	ts, ok := series.ParseTimestamp(r.SubmittedAt.String)
	if !ok {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.Unix(), Valid: true}
}

func (s *Store) insertReading(ctx context.Context, ex execer, r models.Reading, createdAt time.Time) (int64, error) {
	if !r.CreatedAt.IsZero() {
		createdAt = r.CreatedAt
	}
	result, err := ex.ExecContext(ctx, `
		INSERT INTO readings (customer_id, submitted_at, submitted_unix, monthly_usage, meter_reading, anomaly_status, fee, import_run_id, quality_flags, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.CustomerID, r.SubmittedAt, submittedUnix(r), r.MonthlyUsage, r.MeterReading, r.AnomalyStatus, r.Fee, r.ImportRunID, r.QualityFlags, createdAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) InsertReading(ctx context.Context, r models.Reading) (int64, error) {
	id, err := s.insertReading(ctx, s.db, r, s.now())
	if err != nil {
		return 0, fmt.Errorf("insert reading: %w", err)
	}
	return id, nil
}

// InsertReadings stores a batch in one transaction. On error nothing is
// stored.
func (s *Store) InsertReadings(ctx context.Context, readings []models.Reading) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	for i, r := range readings {
		if _, err := s.insertReading(ctx, tx, r, now); err != nil {
			return 0, fmt.Errorf("insert reading %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit readings: %w", err)
	}
	return len(readings), nil
}

const readingColumns = `id, customer_id, submitted_at, monthly_usage, meter_reading, anomaly_status, fee, import_run_id, quality_flags, created_at`

func scanReadings(rows *sql.Rows) ([]models.Reading, error) {
	defer rows.Close()

	var readings []models.Reading
	for rows.Next() {
		var r models.Reading
		if err := rows.Scan(&r.ID, &r.CustomerID, &r.SubmittedAt, &r.MonthlyUsage, &r.MeterReading, &r.AnomalyStatus, &r.Fee, &r.ImportRunID, &r.QualityFlags, &r.CreatedAt); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetReadings returns every reading for a customer in insertion order.
func (s *Store) GetReadings(ctx context.Context, customerID string) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE customer_id = ?
		ORDER BY created_at, id
	`, customerID)
	if err != nil {
		return nil, apperr.DataSource("get readings", err)
	}
	readings, err := scanReadings(rows)
	if err != nil {
		return nil, apperr.DataSource("get readings", err)
	}
	return readings, nil
}

// GetRecentReadings returns up to limit readings for a customer, most
// recently submitted first. Readings whose submission time does not parse sort
// after those that do, by insertion time.
func (s *Store) GetRecentReadings(ctx context.Context, customerID string, limit int) ([]models.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+readingColumns+`
		FROM readings
		WHERE customer_id = ?
		ORDER BY submitted_unix IS NULL, submitted_unix DESC, created_at DESC, id DESC
		LIMIT ?
	`, customerID, limit)
	if err != nil {
		return nil, apperr.DataSource("get recent readings", err)
	}
	readings, err := scanReadings(rows)
	if err != nil {
		return nil, apperr.DataSource("get recent readings", err)
	}
	return readings, nil
}

func (s *Store) CountReadings(ctx context.Context, customerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM readings WHERE customer_id = ?`, customerID).Scan(&n)
	return n, err
}

// UpsertPrediction replaces the stored forecast for a customer.
func (s *Store) UpsertPrediction(ctx context.Context, p models.Prediction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (customer_id, computed_at, policy_version, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET
			computed_at = excluded.computed_at,
			policy_version = excluded.policy_version,
			payload = excluded.payload
	`, p.CustomerID, p.ComputedAt, p.PolicyVersion, p.Payload)
	if err != nil {
		return fmt.Errorf("upsert prediction: %w", err)
	}
	return nil
}

func (s *Store) GetPrediction(ctx context.Context, customerID string) (*models.Prediction, error) {
	var p models.Prediction
	err := s.db.QueryRowContext(ctx, `
		SELECT customer_id, computed_at, policy_version, payload
		FROM predictions
		WHERE customer_id = ?
	`, customerID).Scan(&p.CustomerID, &p.ComputedAt, &p.PolicyVersion, &p.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) insertAnomalyCheck(ctx context.Context, ex execer, c models.AnomalyCheck) (int64, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	result, err := ex.ExecContext(ctx, `
		INSERT INTO anomaly_checks (check_id, customer_id, meter_reading, monthly_usage, submitted_at, verdict, window_size, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CheckID, c.CustomerID, c.MeterReading, c.MonthlyUsage, c.SubmittedAt.UTC(), string(c.Verdict), c.WindowSize, createdAt)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Store) InsertAnomalyCheck(ctx context.Context, c models.AnomalyCheck) (int64, error) {
	id, err := s.insertAnomalyCheck(ctx, s.db, c)
	if err != nil {
		return 0, fmt.Errorf("insert anomaly check: %w", err)
	}
	return id, nil
}

// RecordAnomalyCheck stores the audit row and the checked reading together,
// so the reading joins the customer's history with its verdict.
func (s *Store) RecordAnomalyCheck(ctx context.Context, c models.AnomalyCheck, r models.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.insertAnomalyCheck(ctx, tx, c); err != nil {
		return fmt.Errorf("insert anomaly check: %w", err)
	}
	if _, err := s.insertReading(ctx, tx, r, s.now()); err != nil {
		return fmt.Errorf("insert checked reading: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetAnomalyChecks(ctx context.Context, customerID string, limit int) ([]models.AnomalyCheck, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, check_id, customer_id, meter_reading, monthly_usage, submitted_at, verdict, window_size, created_at
		FROM anomaly_checks
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checks []models.AnomalyCheck
	for rows.Next() {
		var c models.AnomalyCheck
		var verdict string
		if err := rows.Scan(&c.ID, &c.CheckID, &c.CustomerID, &c.MeterReading, &c.MonthlyUsage, &c.SubmittedAt, &verdict, &c.WindowSize, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Verdict = models.Verdict(verdict)
		checks = append(checks, c)
	}
	return checks, rows.Err()
}
