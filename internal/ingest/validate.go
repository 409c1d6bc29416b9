package ingest

import (
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

const (
	FlagDateUnparsable  = "date_unparsable"
	FlagUsageMissing    = "usage_missing"
	FlagUsageUnparsable = "usage_unparsable"
	FlagUsageNegative   = "usage_negative"
	FlagMeterNegative   = "meter_negative"
	FlagMeterDecrease   = "meter_decrease"
)

// ValidateReading returns quality flags for a raw reading. prevMeter is the
// customer's previous meter reading in the same file, if any. Flagged readings
// are still stored; the normalizer decides what to drop.
func ValidateReading(r models.Reading, prevMeter sql.NullFloat64) []string {
	var flags []string

	if !r.SubmittedAt.Valid {
		flags = append(flags, FlagDateUnparsable)
	} else if _, ok := series.ParseTimestamp(r.SubmittedAt.String); !ok {
		flags = append(flags, FlagDateUnparsable)
	}

	if !r.MonthlyUsage.Valid {
		flags = append(flags, FlagUsageMissing)
	} else if _, ok := series.ParseUsage(r.MonthlyUsage.String); !ok {
		if looksNegative(r.MonthlyUsage.String) {
			flags = append(flags, FlagUsageNegative)
		} else {
			flags = append(flags, FlagUsageUnparsable)
		}
	}

	if r.MeterReading.Valid {
		if r.MeterReading.Float64 < 0 {
			flags = append(flags, FlagMeterNegative)
		}
		if prevMeter.Valid && r.MeterReading.Float64 < prevMeter.Float64 {
			flags = append(flags, FlagMeterDecrease)
		}
	}

	return flags
}

func looksNegative(s string) bool {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil && v < 0
}

func QualityFlagsToJSON(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	b, _ := json.Marshal(flags)
	return string(b)
}
