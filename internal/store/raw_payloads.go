package store

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

// RawPayload is an archived import file.
type RawPayload struct {
	ID                int64
	ImportRunID       sql.NullInt64
	FetchedAt         time.Time
	Source            string
	PayloadCompressed []byte
	PayloadHash       string
	SizeBytes         int64
}

// PayloadHash is the hex SHA-256 used to de-duplicate archived files.
func PayloadHash(payload []byte) string {
	hash := sha256.Sum256(payload)
	return hex.EncodeToString(hash[:])
}

// StoreRawPayload stores a compressed copy of an import file. It returns the
// payload ID, or 0 if a file with the same hash is already archived.
func (s *Store) StoreRawPayload(ctx context.Context, runID *int64, source string, payload []byte) (int64, error) {
	compressed, err := compress(payload)
	if err != nil {
		return 0, err
	}

	var importRunID sql.NullInt64
	if runID != nil {
		importRunID = sql.NullInt64{Int64: *runID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO raw_payloads (import_run_id, fetched_at, source, payload_compressed, payload_hash, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(payload_hash) DO NOTHING
	`, importRunID, s.now(), source, compressed, PayloadHash(payload), len(payload))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return result.LastInsertId()
}

// GetRawPayload retrieves and decompresses a stored payload by ID.
func (s *Store) GetRawPayload(ctx context.Context, id int64) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload_compressed FROM raw_payloads WHERE id = ?`, id).
		Scan(&compressed)
	if err != nil {
		return nil, err
	}
	return decompress(compressed)
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// GetRawPayloadByHash retrieves a payload by its hash, or nil if none.
func (s *Store) GetRawPayloadByHash(ctx context.Context, hash string) (*RawPayload, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, import_run_id, fetched_at, source, payload_compressed, payload_hash, size_bytes
		FROM raw_payloads WHERE payload_hash = ?
	`, hash)

	var p RawPayload
	err := row.Scan(&p.ID, &p.ImportRunID, &p.FetchedAt, &p.Source, &p.PayloadCompressed, &p.PayloadHash, &p.SizeBytes)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CleanupOldRawPayloads deletes archived files older than retentionDays and
// returns how many were removed.
func (s *Store) CleanupOldRawPayloads(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx, `DELETE FROM raw_payloads WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
