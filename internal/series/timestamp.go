package series

import (
	"strings"
	"time"

	"github.com/relvacode/iso8601"
)

// Layouts the submission form has produced over time, tried before ISO 8601.
var submissionLayouts = []string{
	"1/2/2006, 15:04",
	"1/2/2006, 15:04:05",
	"1/2/2006, 3:04:05 PM",
	"1/2/2006, 3:04 PM",
	"1/2/2006",
	"2006-01-02",
}

// ParseTimestamp parses a submission timestamp. Values without a zone are
// taken as UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range submissionLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	if t, err := iso8601.ParseString(s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// MonthEnd returns the last day of t's calendar month at 00:00 UTC. The month
// is read in t's own zone so a submission keeps the month it was made in.
func MonthEnd(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC)
}

// NextMonthEnd returns the month end following the month of period.
func NextMonthEnd(period time.Time) time.Time {
	y, m, _ := period.Date()
	return time.Date(y, m+2, 0, 0, 0, 0, 0, time.UTC)
}
