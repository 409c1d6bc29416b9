package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/store"
)

type Importer struct {
	store   *store.Store
	fetcher Fetcher
}

func NewImporter(s *store.Store, f Fetcher) *Importer {
	return &Importer{store: s, fetcher: f}
}

// Result summarizes one import.
type Result struct {
	RunID            string
	RowsParsed       int
	RowsStored       int
	RowsFlagged      int
	RowErrors        []RowError
	SkippedDuplicate bool
}

// Import fetches source, archives it and stores every parseable row. A file
// that was already imported (same SHA-256) is skipped.
func (im *Importer) Import(ctx context.Context, source string) (*Result, error) {
	redacted := RedactSource(source)
	result := &Result{RunID: uuid.NewString()}
	log := slog.With("run_id", result.RunID, "source", redacted)

	run, err := im.store.StartImportRun(ctx, result.RunID, redacted)
	if err != nil {
		return nil, apperr.DataSource("start import run", err)
	}

	err = im.run(ctx, run, source, result, log)
	if err != nil {
		run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
	} else {
		run.Success = true
	}
	if cerr := im.store.CompleteImportRun(context.WithoutCancel(ctx), run); cerr != nil {
		log.Error("failed to complete import run", "error", cerr)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (im *Importer) run(ctx context.Context, run *store.ImportRun, source string, result *Result, log *slog.Logger) error {
	body, err := im.fetcher.Fetch(ctx, source)
	if err != nil {
		return apperr.DataSource("fetch import source", err)
	}
	run.SizeBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}

	existing, err := im.store.GetRawPayloadByHash(ctx, store.PayloadHash(body))
	if err != nil {
		return apperr.DataSource("check duplicate", err)
	}
	if existing != nil {
		log.Info("file already imported, skipping", "payload_id", existing.ID)
		result.SkippedDuplicate = true
		run.SkippedDuplicate = true
		return nil
	}

	rows, rowErrs, err := ParseCSV(bytes.NewReader(body))
	if err != nil {
		return apperr.InvalidInput("parse csv", "%v", err)
	}
	result.RowsParsed = len(rows)
	result.RowErrors = rowErrs
	for _, re := range rowErrs {
		log.Warn("skipping row", "line", re.Line, "error", re.Err)
	}

	readings := make([]models.Reading, 0, len(rows))
	for _, r := range rows {
		reading := r.Reading
		reading.ImportRunID = sql.NullInt64{Int64: run.ID, Valid: true}
		readings = append(readings, reading)
		if len(r.Flags) > 0 {
			result.RowsFlagged++
			log.Debug("row flagged", "line", r.Line, "customer_id", reading.CustomerID, "flags", r.Flags)
		}
	}

	stored, err := im.store.InsertReadings(ctx, readings)
	if err != nil {
		return apperr.DataSource("store readings", fmt.Errorf("after %d rows: %w", stored, err))
	}
	result.RowsStored = stored

	if _, err := im.store.StoreRawPayload(ctx, &run.ID, run.Source, body); err != nil {
		return apperr.DataSource("archive payload", err)
	}

	run.RowsParsed = sql.NullInt64{Int64: int64(result.RowsParsed), Valid: true}
	run.RowsStored = sql.NullInt64{Int64: int64(result.RowsStored), Valid: true}
	run.RowsFlagged = sql.NullInt64{Int64: int64(result.RowsFlagged), Valid: true}
	run.ParseErrors = sql.NullInt64{Int64: int64(len(rowErrs)), Valid: true}

	metrics.ImportRowsTotal.WithLabelValues("stored").Add(float64(result.RowsStored - result.RowsFlagged))
	metrics.ImportRowsTotal.WithLabelValues("flagged").Add(float64(result.RowsFlagged))
	metrics.ImportRowsTotal.WithLabelValues("rejected").Add(float64(len(rowErrs)))

	log.Info("import complete",
		"rows_stored", result.RowsStored,
		"rows_flagged", result.RowsFlagged,
		"rows_rejected", len(rowErrs))
	return nil
}
