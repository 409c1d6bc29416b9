package series

import (
	"fmt"
	"math"
	"time"

	"github.com/sosodev/duration"
)

// Span is a calendar distance. Months are calendar months, not 30 days.
type Span struct {
	Years  int
	Months int
	Days   int
}

// ParseSpan parses an ISO 8601 duration such as "P6M". Time components and
// fractional values are rejected because periods are whole days.
func ParseSpan(s string) (Span, error) {
	if s == "" {
		return Span{}, nil
	}
	d, err := duration.Parse(s)
	if err != nil {
		return Span{}, fmt.Errorf("parse span %q: %w", s, err)
	}
	if d.Negative {
		return Span{}, fmt.Errorf("span %q is negative", s)
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		return Span{}, fmt.Errorf("span %q has a time component", s)
	}
	for _, v := range []float64{d.Years, d.Months, d.Weeks, d.Days} {
		if v != math.Trunc(v) {
			return Span{}, fmt.Errorf("span %q has a fractional component", s)
		}
	}
	return Span{
		Years:  int(d.Years),
		Months: int(d.Months),
		Days:   int(d.Days) + 7*int(d.Weeks),
	}, nil
}

func (s Span) IsZero() bool {
	return s.Years == 0 && s.Months == 0 && s.Days == 0
}

// Before returns t moved back by the span. Month steps clip to the end of the
// target month, so 31 Aug minus one month is 31 Jul and 31 Mar minus one
// month is 28 or 29 Feb.
func (s Span) Before(t time.Time) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m-time.Month(s.Months+12*s.Years), 1, 0, 0, 0, 0, t.Location())
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	moved := time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	return moved.AddDate(0, 0, -s.Days)
}

func (s Span) String() string {
	if s.IsZero() {
		return "P0D"
	}
	out := "P"
	if s.Years != 0 {
		out += fmt.Sprintf("%dY", s.Years)
	}
	if s.Months != 0 {
		out += fmt.Sprintf("%dM", s.Months)
	}
	if s.Days != 0 {
		out += fmt.Sprintf("%dD", s.Days)
	}
	return out
}

// Policy controls the optional trailing-window restriction. The zero value
// keeps the full history.
type Policy struct {
	// TrailingWindow keeps periods no older than the last period minus this
	// span. Zero disables the restriction.
	TrailingWindow Span
	// MinTrailingPoints is how many periods the window must contain for it to
	// be applied; otherwise the full history is used.
	MinTrailingPoints int
}

func (p Policy) Enabled() bool {
	return !p.TrailingWindow.IsZero()
}

func (p Policy) String() string {
	if !p.Enabled() {
		return "window=all"
	}
	return fmt.Sprintf("window=%s,min=%d", p.TrailingWindow, p.MinTrailingPoints)
}
