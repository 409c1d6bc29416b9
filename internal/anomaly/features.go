package anomaly

import (
	"math"

	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

const (
	featMeter = iota
	featUsage
	featTime
	numFeatures
)

// features builds the (meter reading, usage, epoch seconds) matrix with the
// history rows first and the candidate last. Values that are missing or fail
// to parse are replaced with the mean of the parsed values in the window for
// that feature, or with the candidate's value when nothing parsed.
func features(history []models.Reading, meter, usage float64, at int64) (rows [][]float64, imputed int) {
	candidate := []float64{meter, usage, float64(at)}

	raw := make([][numFeatures]float64, len(history))
	present := make([][numFeatures]bool, len(history))
	for i, r := range history {
		if r.MeterReading.Valid && !math.IsNaN(r.MeterReading.Float64) && !math.IsInf(r.MeterReading.Float64, 0) {
			raw[i][featMeter] = r.MeterReading.Float64
			present[i][featMeter] = true
		}
		if r.MonthlyUsage.Valid {
			if v, ok := series.ParseUsage(r.MonthlyUsage.String); ok {
				raw[i][featUsage] = v
				present[i][featUsage] = true
			}
		}
		if r.SubmittedAt.Valid {
			if ts, ok := series.ParseTimestamp(r.SubmittedAt.String); ok {
				raw[i][featTime] = float64(ts.Unix())
				present[i][featTime] = true
			}
		}
	}

	var fill [numFeatures]float64
	for j := range numFeatures {
		var sum float64
		var n int
		for i := range history {
			if present[i][j] {
				sum += raw[i][j]
				n++
			}
		}
		if n == 0 {
			fill[j] = candidate[j]
		} else {
			fill[j] = sum / float64(n)
		}
	}

	rows = make([][]float64, 0, len(history)+1)
	for i := range history {
		row := make([]float64, numFeatures)
		for j := range numFeatures {
			if present[i][j] {
				row[j] = raw[i][j]
			} else {
				row[j] = fill[j]
				imputed++
			}
		}
		rows = append(rows, row)
	}
	rows = append(rows, candidate)
	return rows, imputed
}
