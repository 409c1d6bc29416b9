// Package forecast produces one-step-ahead monthly usage forecasts from a
// normalized series.
package forecast

import (
	"math"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

// DefaultIntervalWidth is the coverage of the reported prediction interval.
const DefaultIntervalWidth = 0.8

// minBacktestPoints is the shortest series that gets a holdout error. Fewer
// points leave too little to fit once the last one is held out.
const minBacktestPoints = 4

type Options struct {
	Seasonality   Seasonality
	IntervalWidth float64
}

func DefaultOptions() Options {
	return Options{IntervalWidth: DefaultIntervalWidth}
}

type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.IntervalWidth <= 0 || opts.IntervalWidth >= 1 {
		opts.IntervalWidth = DefaultIntervalWidth
	}
	return &Engine{opts: opts}
}

// Forecast fits the series and predicts the month after its last period.
// Point estimate and lower bound are clamped at zero; the upper bound is not.
func (e *Engine) Forecast(s models.Series) (models.ForecastResult, error) {
	if len(s) < series.MinPeriods {
		return models.ForecastResult{}, apperr.InsufficientData("forecast",
			"need at least %d periods, have %d", series.MinPeriods, len(s))
	}

	m, err := fit(s, e.opts.Seasonality, e.opts.IntervalWidth)
	if err != nil {
		return models.ForecastResult{}, err
	}

	target := series.NextMonthEnd(s.Last().Period)
	yhat, lower, upper, err := m.predict(target)
	if err != nil {
		return models.ForecastResult{}, err
	}

	result := models.ForecastResult{
		TargetPeriod:  target,
		PointEstimate: math.Max(yhat, 0),
		LowerBound:    math.Max(lower, 0),
		UpperBound:    upper,
	}

	if len(s) >= minBacktestPoints {
		mae, err := e.backtest(s)
		if err != nil {
			return models.ForecastResult{}, err
		}
		result.BacktestError = &mae
	}

	return result, nil
}

// backtest refits without the last period and returns the absolute error of
// the clamped prediction for it.
func (e *Engine) backtest(s models.Series) (float64, error) {
	train := s[:len(s)-1]
	held := s.Last()

	m, err := fit(train, e.opts.Seasonality, e.opts.IntervalWidth)
	if err != nil {
		return 0, err
	}
	yhat, _, _, err := m.predict(held.Period)
	if err != nil {
		return 0, err
	}
	return math.Abs(held.Usage - math.Max(yhat, 0)), nil
}
