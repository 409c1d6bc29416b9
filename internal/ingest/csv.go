package ingest

import (
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/iancoleman/strcase"

	"github.com/lox/meterwatch/internal/models"
)

const (
	colCustomerID   = "customer_id"
	colSubmittedAt  = "date_of_submission"
	colMonthlyUsage = "monthly_usage"
	colMeterReading = "meter_reading"
)

// Row is one parsed CSV record with its quality flags.
type Row struct {
	Line    int
	Reading models.Reading
	Flags   []string
}

// RowError is a record that could not be turned into a reading at all.
type RowError struct {
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseCSV reads readings from r. The header must name customer_id,
// date_of_submission and monthly_usage; meter_reading is optional and extra
// columns are ignored. Header names are matched in snake_case, so the
// camelCase names the readings were exported with are accepted too.
func ParseCSV(r io.Reader) ([]Row, []RowError, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil, errors.New("empty file")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	idx := map[string]int{}
	for i, name := range header {
		idx[canonicalColumn(name)] = i
	}
	for _, required := range []string{colCustomerID, colSubmittedAt, colMonthlyUsage} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("header is missing column %q", required)
		}
	}

	field := func(rec []string, col string) (string, bool) {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return "", false
		}
		v := strings.TrimSpace(rec[i])
		return v, v != ""
	}

	var rows []Row
	var rowErrs []RowError
	prevMeter := map[string]sql.NullFloat64{}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				rowErrs = append(rowErrs, RowError{Line: pe.Line, Err: pe.Err})
				continue
			}
			return nil, nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		customer, ok := field(rec, colCustomerID)
		if !ok {
			rowErrs = append(rowErrs, RowError{Line: line, Err: errors.New("missing customer_id")})
			continue
		}

		reading := models.Reading{CustomerID: customer}
		if v, ok := field(rec, colSubmittedAt); ok {
			reading.SubmittedAt = sql.NullString{String: v, Valid: true}
		}
		if v, ok := field(rec, colMonthlyUsage); ok {
			reading.MonthlyUsage = sql.NullString{String: v, Valid: true}
		}
		if v, ok := field(rec, colMeterReading); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				rowErrs = append(rowErrs, RowError{Line: line, Err: fmt.Errorf("meter_reading %q is not a finite number", v)})
				continue
			}
			reading.MeterReading = sql.NullFloat64{Float64: f, Valid: true}
		}

		flags := ValidateReading(reading, prevMeter[customer])
		if len(flags) > 0 {
			reading.QualityFlags = sql.NullString{String: QualityFlagsToJSON(flags), Valid: true}
		}
		if reading.MeterReading.Valid {
			prevMeter[customer] = reading.MeterReading
		}

		rows = append(rows, Row{Line: line, Reading: reading, Flags: flags})
	}

	return rows, rowErrs, nil
}

var columnAliases = map[string]string{
	"submitted_at":  colSubmittedAt,
	"created_at":    colSubmittedAt,
	"killowat_read": colMeterReading,
}

// canonicalColumn maps customerId, Monthly Usage and the like to snake_case.
func canonicalColumn(name string) string {
	snake := strcase.ToSnake(strings.TrimSpace(name))
	if alias, ok := columnAliases[snake]; ok {
		return alias
	}
	return snake
}
