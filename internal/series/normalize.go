// Package series turns raw, irregular meter readings into a month-aligned
// usage series.
package series

import (
	"database/sql"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
)

// MinPeriods is the shortest series either pipeline can work with.
const MinPeriods = 2

// Stats describes what Normalize did with its input.
type Stats struct {
	Input            int
	DroppedTimestamp int
	DroppedUsage     int
	Periods          int
	TrailingApplied  bool
}

// ParseUsage parses a monthly usage value. Negative and non-finite values are
// rejected.
func ParseUsage(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, false
	}
	return v, true
}

type group struct {
	period   time.Time
	usageSum float64
	count    int
	reading  sql.NullFloat64
}

// Normalize parses, month-aligns and merges readings into a Series. Records
// with an unparsable timestamp or usage are dropped. Readings in the same
// month are merged: usage is the mean, meter reading the maximum seen, since
// the meter is cumulative. It fails with an InsufficientData error when fewer
// than MinPeriods periods remain.
func Normalize(readings []models.Reading, policy Policy) (models.Series, Stats, error) {
	stats := Stats{Input: len(readings)}
	groups := make(map[time.Time]*group)

	for _, r := range readings {
		if !r.SubmittedAt.Valid {
			stats.DroppedTimestamp++
			continue
		}
		ts, ok := ParseTimestamp(r.SubmittedAt.String)
		if !ok {
			stats.DroppedTimestamp++
			continue
		}
		if !r.MonthlyUsage.Valid {
			stats.DroppedUsage++
			continue
		}
		usage, ok := ParseUsage(r.MonthlyUsage.String)
		if !ok {
			stats.DroppedUsage++
			continue
		}

		period := MonthEnd(ts)
		g, ok := groups[period]
		if !ok {
			g = &group{period: period}
			groups[period] = g
		}
		g.usageSum += usage
		g.count++
		if r.MeterReading.Valid && !math.IsNaN(r.MeterReading.Float64) && !math.IsInf(r.MeterReading.Float64, 0) {
			if !g.reading.Valid || r.MeterReading.Float64 > g.reading.Float64 {
				g.reading = sql.NullFloat64{Float64: r.MeterReading.Float64, Valid: true}
			}
		}
	}

	series := make(models.Series, 0, len(groups))
	for _, g := range groups {
		series = append(series, models.Point{
			Period:       g.period,
			Usage:        g.usageSum / float64(g.count),
			MeterReading: g.reading,
		})
	}
	sort.Slice(series, func(i, j int) bool {
		return series[i].Period.Before(series[j].Period)
	})

	if policy.Enabled() && len(series) > 0 {
		if trimmed := trailing(series, policy); trimmed != nil {
			series = trimmed
			stats.TrailingApplied = true
		}
	}

	stats.Periods = len(series)
	if len(series) < MinPeriods {
		return nil, stats, apperr.InsufficientData("normalize",
			"need at least %d distinct periods, have %d (%d of %d readings dropped)",
			MinPeriods, len(series), stats.DroppedTimestamp+stats.DroppedUsage, stats.Input)
	}
	return series, stats, nil
}

// trailing returns the suffix of series inside the policy window, or nil when
// the window holds fewer than MinTrailingPoints periods.
func trailing(series models.Series, policy Policy) models.Series {
	cutoff := policy.TrailingWindow.Before(series.Last().Period)
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Period.Before(cutoff)
	})
	if len(series)-idx < policy.MinTrailingPoints {
		return nil
	}
	return series[idx:]
}
