package models

import (
	"database/sql"
	"time"
)

// Reading is a raw meter reading as stored. SubmittedAt and MonthlyUsage keep
// the submitted text because either may be malformed.
type Reading struct {
	ID            int64
	CustomerID    string
	SubmittedAt   sql.NullString
	MonthlyUsage  sql.NullString
	MeterReading  sql.NullFloat64
	AnomalyStatus sql.NullString
	Fee           sql.NullString
	ImportRunID   sql.NullInt64
	QualityFlags  sql.NullString
	CreatedAt     time.Time
}

// Point is one month of a normalized series. Period is the last day of the
// month at 00:00 UTC.
type Point struct {
	Period       time.Time
	Usage        float64
	MeterReading sql.NullFloat64
}

// Series is ordered by Period ascending with no repeated periods.
type Series []Point

func (s Series) Last() Point {
	return s[len(s)-1]
}

// ForecastResult is a one-step-ahead forecast. BacktestError is nil when the
// series was too short to hold out a point.
type ForecastResult struct {
	TargetPeriod  time.Time
	PointEstimate float64
	LowerBound    float64
	UpperBound    float64
	BacktestError *float64
}

// Candidate is a newly submitted reading awaiting an anomaly verdict.
type Candidate struct {
	MeterReading *float64
	MonthlyUsage *float64
	SubmittedAt  time.Time
}

type Verdict string

const (
	VerdictNormal  Verdict = "Normal"
	VerdictAnomaly Verdict = "Anomaly/Fraud"
)

// AnomalyCheck is an audit row for one scored candidate.
type AnomalyCheck struct {
	ID           int64
	CheckID      string
	CustomerID   string
	MeterReading float64
	MonthlyUsage float64
	SubmittedAt  time.Time
	Verdict      Verdict
	WindowSize   int
	CreatedAt    time.Time
}

// Prediction is the persisted output of a forecast run.
type Prediction struct {
	CustomerID    string
	ComputedAt    time.Time
	PolicyVersion string
	Payload       string
}
