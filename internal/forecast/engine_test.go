package forecast

import (
	"database/sql"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

// monthly builds a series of consecutive month ends starting at January 2025.
func monthly(usages ...float64) models.Series {
	s := make(models.Series, len(usages))
	period := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	for i, u := range usages {
		s[i] = models.Point{Period: period, Usage: u}
		period = series.NextMonthEnd(period)
	}
	return s
}

// linear builds n month ends with usage exactly a + b*days since the first.
func linear(n int, a, b float64) models.Series {
	s := monthly(make([]float64, n)...)
	for i := range s {
		days := s[i].Period.Sub(s[0].Period).Hours() / 24
		s[i].Usage = a + b*days
	}
	return s
}

func TestForecast_LinearTrend(t *testing.T) {
	s := linear(6, 100, 0.5)
	got, err := NewEngine(DefaultOptions()).Forecast(s)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}

	wantTarget := time.Date(2025, time.July, 31, 0, 0, 0, 0, time.UTC)
	if !got.TargetPeriod.Equal(wantTarget) {
		t.Errorf("TargetPeriod = %v, want %v", got.TargetPeriod, wantTarget)
	}
	days := wantTarget.Sub(s[0].Period).Hours() / 24
	if want := 100 + 0.5*days; math.Abs(got.PointEstimate-want) > 1e-6 {
		t.Errorf("PointEstimate = %v, want %v", got.PointEstimate, want)
	}
	if got.BacktestError == nil {
		t.Fatal("BacktestError = nil, want a value for 6 periods")
	}
	if *got.BacktestError > 1e-6 {
		t.Errorf("BacktestError = %v, want ~0 on an exact trend", *got.BacktestError)
	}
}

func TestForecast_BacktestPresence(t *testing.T) {
	tests := []struct {
		name   string
		usages []float64
		want   bool
	}{
		{"two periods", []float64{10, 12}, false},
		{"three periods", []float64{10, 12, 11}, false},
		{"four periods", []float64{10, 12, 11, 13}, true},
		{"eight periods", []float64{10, 12, 11, 13, 15, 14, 16, 18}, true},
	}

	engine := NewEngine(DefaultOptions())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Forecast(monthly(tt.usages...))
			if err != nil {
				t.Fatalf("Forecast: %v", err)
			}
			if (got.BacktestError != nil) != tt.want {
				t.Errorf("BacktestError present = %v, want %v", got.BacktestError != nil, tt.want)
			}
		})
	}
}

func TestForecast_ZeroBacktestErrorIsPresent(t *testing.T) {
	got, err := NewEngine(DefaultOptions()).Forecast(monthly(50, 50, 50, 50, 50))
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if got.BacktestError == nil {
		t.Fatal("BacktestError = nil, want a present zero")
	}
	if *got.BacktestError > 1e-9 {
		t.Errorf("BacktestError = %v, want 0", *got.BacktestError)
	}
	if math.Abs(got.PointEstimate-50) > 1e-9 {
		t.Errorf("PointEstimate = %v, want 50", got.PointEstimate)
	}
}

func TestForecast_ClampsNegativeTrend(t *testing.T) {
	got, err := NewEngine(DefaultOptions()).Forecast(linear(3, 300, -5))
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if got.PointEstimate != 0 {
		t.Errorf("PointEstimate = %v, want 0", got.PointEstimate)
	}
	if got.LowerBound != 0 {
		t.Errorf("LowerBound = %v, want 0", got.LowerBound)
	}
	if got.UpperBound >= 0 {
		t.Errorf("UpperBound = %v, want the unclamped negative value", got.UpperBound)
	}
}

func TestForecast_IntervalOrdering(t *testing.T) {
	inputs := [][]float64{
		{40, 55},
		{55, 40},
		{30, 30},
		{10, 80, 20, 90},
		{120, 100, 130, 90, 140, 150, 80},
	}

	engine := NewEngine(DefaultOptions())
	for _, usages := range inputs {
		got, err := engine.Forecast(monthly(usages...))
		if err != nil {
			t.Fatalf("Forecast(%v): %v", usages, err)
		}
		if got.PointEstimate < 0 || got.LowerBound < 0 {
			t.Errorf("Forecast(%v) negative estimate %+v", usages, got)
		}
		if got.PointEstimate > 0 && !(got.LowerBound <= got.PointEstimate && got.PointEstimate <= got.UpperBound) {
			t.Errorf("Forecast(%v) bounds out of order: %v <= %v <= %v", usages, got.LowerBound, got.PointEstimate, got.UpperBound)
		}
	}
}

func TestForecast_WiderIntervalWidth(t *testing.T) {
	s := monthly(120, 100, 130, 90, 140, 150, 80)

	narrow, err := NewEngine(Options{IntervalWidth: 0.5}).Forecast(s)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	wide, err := NewEngine(Options{IntervalWidth: 0.95}).Forecast(s)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if wide.UpperBound-narrow.UpperBound <= 0 {
		t.Errorf("95%% upper %v not above 50%% upper %v", wide.UpperBound, narrow.UpperBound)
	}
	if narrow.PointEstimate != wide.PointEstimate {
		t.Errorf("point estimate depends on width: %v vs %v", narrow.PointEstimate, wide.PointEstimate)
	}
}

func TestForecast_InsufficientData(t *testing.T) {
	for _, s := range []models.Series{nil, monthly(10)} {
		_, err := NewEngine(DefaultOptions()).Forecast(s)
		if !errors.Is(err, &apperr.Error{Kind: apperr.KindInsufficientData}) {
			t.Errorf("Forecast(len %d) err = %v, want InsufficientData", len(s), err)
		}
	}
}

func TestForecast_SeasonalityModelFit(t *testing.T) {
	usages := []float64{100, 110, 95, 105, 120, 130, 125, 115, 100, 98, 104, 112}
	tests := []struct {
		name string
		opts Seasonality
	}{
		{"daily on month ends", Seasonality{Daily: true}},
		{"yearly with one year of data", Seasonality{Yearly: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.Seasonality = tt.opts
			_, err := NewEngine(opts).Forecast(monthly(usages...))
			if !errors.Is(err, &apperr.Error{Kind: apperr.KindModelFit}) {
				t.Fatalf("err = %v, want ModelFit", err)
			}
		})
	}
}

func TestForecast_Deterministic(t *testing.T) {
	s := monthly(120, 100, 130, 90, 140)
	engine := NewEngine(DefaultOptions())
	a, err := engine.Forecast(s)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	b, err := engine.Forecast(s)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if a.PointEstimate != b.PointEstimate || a.UpperBound != b.UpperBound || *a.BacktestError != *b.BacktestError {
		t.Errorf("repeated forecasts differ: %+v vs %+v", a, b)
	}
}

func TestProjectReading(t *testing.T) {
	withReadings := func(readings ...*float64) models.Series {
		s := monthly(make([]float64, len(readings))...)
		for i, r := range readings {
			if r != nil {
				s[i].MeterReading = sql.NullFloat64{Float64: *r, Valid: true}
			}
		}
		return s
	}
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name         string
		series       models.Series
		zeroBaseline bool
		want         *float64
	}{
		{"last present", withReadings(f(100), f(110), f(120)), false, f(130)},
		{"skips trailing absent", withReadings(f(100), nil, f(120), nil), false, f(130)},
		{"middle absent", withReadings(f(100), nil, f(120)), false, f(130)},
		{"all absent", withReadings(nil, nil), false, nil},
		{"all absent zero baseline", withReadings(nil, nil), true, f(10)},
		{"zero baseline ignored when present", withReadings(f(500), nil), true, f(510)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProjectReading(tt.series, 10, tt.zeroBaseline)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("ProjectReading = %v, want nil", *got)
			case tt.want != nil && got == nil:
				t.Errorf("ProjectReading = nil, want %v", *tt.want)
			case tt.want != nil && *got != *tt.want:
				t.Errorf("ProjectReading = %v, want %v", *got, *tt.want)
			}
		})
	}
}
