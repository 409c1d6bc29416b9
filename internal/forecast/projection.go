package forecast

import "github.com/lox/meterwatch/internal/models"

// ProjectReading estimates next month's cumulative meter reading as the last
// known reading plus the forecast usage. It returns nil when no period carries
// a reading, unless zeroBaseline is set, in which case the meter is assumed to
// start from zero.
func ProjectReading(s models.Series, estimate float64, zeroBaseline bool) *float64 {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i].MeterReading.Valid {
			v := s[i].MeterReading.Float64 + estimate
			return &v
		}
	}
	if zeroBaseline {
		v := estimate
		return &v
	}
	return nil
}
