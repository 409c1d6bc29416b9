package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    customer_id TEXT NOT NULL,
    submitted_at TEXT,
    monthly_usage TEXT,
    meter_reading REAL,
    anomaly_status TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_readings_customer_created ON readings(customer_id, created_at);
`,
	},
	{
		Version:     2,
		Description: "Add predictions table for latest forecast per customer",
		SQL: `
CREATE TABLE IF NOT EXISTS predictions (
    customer_id TEXT PRIMARY KEY,
    computed_at DATETIME NOT NULL,
    policy_version TEXT NOT NULL,
    payload TEXT NOT NULL
);
`,
	},
	{
		Version:     3,
		Description: "Add anomaly_checks audit table",
		SQL: `
CREATE TABLE IF NOT EXISTS anomaly_checks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    check_id TEXT NOT NULL UNIQUE,
    customer_id TEXT NOT NULL,
    meter_reading REAL NOT NULL,
    monthly_usage REAL NOT NULL,
    submitted_at DATETIME NOT NULL,
    verdict TEXT NOT NULL,
    window_size INTEGER NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomaly_checks_customer ON anomaly_checks(customer_id, created_at);
`,
	},
	{
		Version:     4,
		Description: "Add import_runs and raw_payloads for CSV import auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS import_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    source TEXT NOT NULL,
    size_bytes INTEGER,
    rows_parsed INTEGER,
    rows_stored INTEGER,
    rows_flagged INTEGER,
    parse_errors INTEGER,
    skipped_duplicate BOOLEAN NOT NULL DEFAULT FALSE,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE TABLE IF NOT EXISTS raw_payloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    import_run_id INTEGER REFERENCES import_runs(id),
    fetched_at DATETIME NOT NULL,
    source TEXT NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL
);

ALTER TABLE readings ADD COLUMN import_run_id INTEGER REFERENCES import_runs(id);
ALTER TABLE readings ADD COLUMN quality_flags TEXT;
CREATE INDEX IF NOT EXISTS idx_import_runs_started ON import_runs(started_at);
`,
	},
	{
		Version:     5,
		Description: "Add parsed submission time and fee to readings",
		SQL: `
ALTER TABLE readings ADD COLUMN submitted_unix INTEGER;
ALTER TABLE readings ADD COLUMN fee TEXT;
CREATE INDEX IF NOT EXISTS idx_readings_customer_submitted ON readings(customer_id, submitted_unix);
`,
	},
}

// Migrate applies every migration newer than the recorded schema version,
// each in its own transaction.
func (s *Store) Migrate() error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}
		slog.Info("applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}

const schemaMigrationsDDL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at DATETIME NOT NULL
)`

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, s.now(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// MigrationVersion is the highest applied migration, or 0 on a fresh
// database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
