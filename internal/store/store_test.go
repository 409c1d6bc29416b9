package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/lox/meterwatch/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func TestMigrate_Idempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	version, err := store.MigrationVersion()
	if err != nil {
		t.Fatalf("MigrationVersion: %v", err)
	}
	if version != migrations[len(migrations)-1].Version {
		t.Errorf("version = %d, want %d", version, migrations[len(migrations)-1].Version)
	}
}

func TestInsertAndGetReadings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	readings := []models.Reading{
		{CustomerID: "c1", SubmittedAt: nullString("01/15/2025, 10:00"), MonthlyUsage: nullString("100"), MeterReading: sql.NullFloat64{Float64: 1000, Valid: true}, CreatedAt: base},
		{CustomerID: "c1", SubmittedAt: nullString("not a date"), MonthlyUsage: nullString("abc"), CreatedAt: base.Add(time.Hour)},
		{CustomerID: "c2", SubmittedAt: nullString("01/20/2025, 10:00"), MonthlyUsage: nullString("50"), CreatedAt: base},
	}
	for _, r := range readings {
		if _, err := store.InsertReading(ctx, r); err != nil {
			t.Fatalf("InsertReading: %v", err)
		}
	}

	got, err := store.GetReadings(ctx, "c1")
	if err != nil {
		t.Fatalf("GetReadings: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].MonthlyUsage.String != "100" || !got[0].MeterReading.Valid || got[0].MeterReading.Float64 != 1000 {
		t.Errorf("first reading = %+v", got[0])
	}
	if got[1].MonthlyUsage.String != "abc" || got[1].MeterReading.Valid {
		t.Errorf("malformed values should be stored verbatim, got %+v", got[1])
	}

	n, err := store.CountReadings(ctx, "c2")
	if err != nil {
		t.Fatalf("CountReadings: %v", err)
	}
	if n != 1 {
		t.Errorf("CountReadings(c2) = %d, want 1", n)
	}
}

func TestGetRecentReadings(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	var batch []models.Reading
	for i := 0; i < 9; i++ {
		batch = append(batch, models.Reading{
			CustomerID:   "c1",
			MonthlyUsage: nullString(string(rune('a' + i))),
			CreatedAt:    base.AddDate(0, i, 0),
		})
	}
	if n, err := store.InsertReadings(ctx, batch); err != nil || n != 9 {
		t.Fatalf("InsertReadings = %d, %v", n, err)
	}

	got, err := store.GetRecentReadings(ctx, "c1", 6)
	if err != nil {
		t.Fatalf("GetRecentReadings: %v", err)
	}
	if len(got) != 6 {
		t.Fatalf("len = %d, want 6", len(got))
	}
	if got[0].MonthlyUsage.String != "i" || got[5].MonthlyUsage.String != "d" {
		t.Errorf("order = %q..%q, want i..d", got[0].MonthlyUsage.String, got[5].MonthlyUsage.String)
	}

	none, err := store.GetRecentReadings(ctx, "nobody", 6)
	if err != nil {
		t.Fatalf("GetRecentReadings: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

func TestGetRecentReadings_TiesBrokenByInsertOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	same := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	for _, u := range []string{"1", "2", "3"} {
		if _, err := store.InsertReading(ctx, models.Reading{CustomerID: "c1", MonthlyUsage: nullString(u), CreatedAt: same}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := store.GetRecentReadings(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("GetRecentReadings: %v", err)
	}
	if got[0].MonthlyUsage.String != "3" || got[1].MonthlyUsage.String != "2" {
		t.Errorf("got %q, %q, want 3, 2", got[0].MonthlyUsage.String, got[1].MonthlyUsage.String)
	}
}

func TestGetRecentReadings_OrderedBySubmission(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// One import: every row shares created_at and the file is not in date order.
	batch := []models.Reading{
		{CustomerID: "c1", SubmittedAt: nullString("03/15/2025, 09:00"), MonthlyUsage: nullString("mar")},
		{CustomerID: "c1", SubmittedAt: nullString("2025-05-15T09:00:00Z"), MonthlyUsage: nullString("may")},
		{CustomerID: "c1", SubmittedAt: nullString("whenever"), MonthlyUsage: nullString("bad")},
		{CustomerID: "c1", SubmittedAt: nullString("01/15/2025, 09:00"), MonthlyUsage: nullString("jan")},
		{CustomerID: "c1", SubmittedAt: nullString("04/15/2025, 09:00"), MonthlyUsage: nullString("apr")},
	}
	if _, err := store.InsertReadings(ctx, batch); err != nil {
		t.Fatalf("InsertReadings: %v", err)
	}

	got, err := store.GetRecentReadings(ctx, "c1", 5)
	if err != nil {
		t.Fatalf("GetRecentReadings: %v", err)
	}
	var order []string
	for _, r := range got {
		order = append(order, r.MonthlyUsage.String)
	}
	want := []string{"may", "apr", "mar", "jan", "bad"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestInsertReadings_FailureStoresNothing(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.db.ExecContext(ctx, `
		CREATE TRIGGER reject_boom BEFORE INSERT ON readings
		WHEN NEW.monthly_usage = 'boom'
		BEGIN SELECT RAISE(ABORT, 'rejected'); END
	`); err != nil {
		t.Fatal(err)
	}

	batch := []models.Reading{
		{CustomerID: "c1", MonthlyUsage: nullString("1")},
		{CustomerID: "c1", MonthlyUsage: nullString("2")},
		{CustomerID: "c1", MonthlyUsage: nullString("boom")},
	}
	n, err := store.InsertReadings(ctx, batch)
	if err == nil {
		t.Fatal("InsertReadings succeeded, want error")
	}
	if n != 0 {
		t.Errorf("InsertReadings reported %d stored after rollback, want 0", n)
	}
	if count, err := store.CountReadings(ctx, "c1"); err != nil || count != 0 {
		t.Errorf("CountReadings = %d, %v, want 0", count, err)
	}
}

func TestUpsertPrediction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := models.Prediction{CustomerID: "c1", ComputedAt: time.Now().UTC(), PolicyVersion: "v1", Payload: `{"a":1}`}
	if err := store.UpsertPrediction(ctx, first); err != nil {
		t.Fatalf("UpsertPrediction: %v", err)
	}
	second := first
	second.PolicyVersion = "v2"
	second.Payload = `{"a":2}`
	if err := store.UpsertPrediction(ctx, second); err != nil {
		t.Fatalf("UpsertPrediction update: %v", err)
	}

	got, err := store.GetPrediction(ctx, "c1")
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}
	if got == nil {
		t.Fatal("GetPrediction returned nil")
	}
	if got.Payload != `{"a":2}` || got.PolicyVersion != "v2" {
		t.Errorf("prediction = %+v, want the second upsert", got)
	}

	missing, err := store.GetPrediction(ctx, "c2")
	if err != nil {
		t.Fatalf("GetPrediction: %v", err)
	}
	if missing != nil {
		t.Errorf("GetPrediction(c2) = %+v, want nil", missing)
	}
}

func TestAnomalyChecks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC)
	check := models.AnomalyCheck{
		CheckID:      "7d3c8f5e-0000-4000-8000-000000000001",
		CustomerID:   "c1",
		MeterReading: 1000,
		MonthlyUsage: 500,
		SubmittedAt:  at,
		Verdict:      models.VerdictAnomaly,
		WindowSize:   6,
	}
	if _, err := store.InsertAnomalyCheck(ctx, check); err != nil {
		t.Fatalf("InsertAnomalyCheck: %v", err)
	}

	got, err := store.GetAnomalyChecks(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("GetAnomalyChecks: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Verdict != models.VerdictAnomaly || got[0].WindowSize != 6 || got[0].CheckID != check.CheckID {
		t.Errorf("check = %+v", got[0])
	}
	if !got[0].SubmittedAt.Equal(at) {
		t.Errorf("SubmittedAt = %v, want %v", got[0].SubmittedAt, at)
	}
}

func TestRecordAnomalyCheck(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	at := time.Date(2025, time.July, 15, 9, 0, 0, 0, time.UTC)
	check := models.AnomalyCheck{
		CheckID:      "7d3c8f5e-0000-4000-8000-000000000002",
		CustomerID:   "c1",
		MeterReading: 1600,
		MonthlyUsage: 102,
		SubmittedAt:  at,
		Verdict:      models.VerdictNormal,
		WindowSize:   6,
	}
	reading := models.Reading{
		CustomerID:    "c1",
		SubmittedAt:   nullString(at.Format(time.RFC3339)),
		MonthlyUsage:  nullString("102"),
		MeterReading:  sql.NullFloat64{Float64: 1600, Valid: true},
		AnomalyStatus: nullString(string(models.VerdictNormal)),
		Fee:           nullString("95.88"),
	}
	if err := store.RecordAnomalyCheck(ctx, check, reading); err != nil {
		t.Fatalf("RecordAnomalyCheck: %v", err)
	}

	checks, err := store.GetAnomalyChecks(ctx, "c1", 10)
	if err != nil || len(checks) != 1 {
		t.Fatalf("GetAnomalyChecks = %d, %v", len(checks), err)
	}
	got, err := store.GetReadings(ctx, "c1")
	if err != nil || len(got) != 1 {
		t.Fatalf("GetReadings = %d, %v", len(got), err)
	}
	if got[0].AnomalyStatus.String != "Normal" || got[0].Fee.String != "95.88" || got[0].MeterReading.Float64 != 1600 {
		t.Errorf("stored reading = %+v", got[0])
	}

	// A duplicate check id aborts both writes.
	if err := store.RecordAnomalyCheck(ctx, check, reading); err == nil {
		t.Fatal("duplicate check id succeeded")
	}
	if n, err := store.CountReadings(ctx, "c1"); err != nil || n != 1 {
		t.Errorf("CountReadings = %d, %v, want 1", n, err)
	}
}

func TestImportRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run, err := store.StartImportRun(ctx, "run-1", "readings.csv")
	if err != nil {
		t.Fatalf("StartImportRun: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("run.ID = 0")
	}

	run.Success = true
	run.RowsParsed = sql.NullInt64{Int64: 10, Valid: true}
	run.RowsStored = sql.NullInt64{Int64: 9, Valid: true}
	run.ParseErrors = sql.NullInt64{Int64: 1, Valid: true}
	if err := store.CompleteImportRun(ctx, run); err != nil {
		t.Fatalf("CompleteImportRun: %v", err)
	}

	runs, err := store.GetRecentImportRuns(ctx, 5)
	if err != nil {
		t.Fatalf("GetRecentImportRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("len = %d, want 1", len(runs))
	}
	if !runs[0].Success || runs[0].RowsStored.Int64 != 9 || !runs[0].FinishedAt.Valid {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestRawPayload_Dedup(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	payload := []byte("customer_id,date_of_submission,monthly_usage,meter_reading\nc1,01/15/2025,100,1000\n")
	id, err := store.StoreRawPayload(ctx, nil, "readings.csv", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload: %v", err)
	}
	if id == 0 {
		t.Fatal("first store returned 0")
	}

	dup, err := store.StoreRawPayload(ctx, nil, "readings-copy.csv", payload)
	if err != nil {
		t.Fatalf("StoreRawPayload duplicate: %v", err)
	}
	if dup != 0 {
		t.Errorf("duplicate store returned %d, want 0", dup)
	}

	got, err := store.GetRawPayload(ctx, id)
	if err != nil {
		t.Fatalf("GetRawPayload: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload round trip mismatch: %q", got)
	}

	byHash, err := store.GetRawPayloadByHash(ctx, PayloadHash(payload))
	if err != nil {
		t.Fatalf("GetRawPayloadByHash: %v", err)
	}
	if byHash == nil || byHash.ID != id || byHash.SizeBytes != int64(len(payload)) {
		t.Errorf("GetRawPayloadByHash = %+v", byHash)
	}

	missing, err := store.GetRawPayloadByHash(ctx, PayloadHash([]byte("other")))
	if err != nil {
		t.Fatalf("GetRawPayloadByHash: %v", err)
	}
	if missing != nil {
		t.Errorf("unexpected payload %+v", missing)
	}
}
