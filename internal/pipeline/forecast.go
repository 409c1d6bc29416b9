package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lox/meterwatch/internal/billing"
	"github.com/lox/meterwatch/internal/forecast"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

type Range struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

type Prediction struct {
	Date                  string   `json:"date"`
	MonthlyUsage          float64  `json:"monthlyUsage"`
	Range                 Range    `json:"range"`
	PredictedMeterReading *float64 `json:"predicted_killowatRead"`
	EstimatedFee          string   `json:"estimated_fee,omitempty"`
}

// ForecastPayload is the success output of the forecast pipeline.
type ForecastPayload struct {
	CustomerID   string     `json:"customerId"`
	Status       string     `json:"status"`
	HistoryCount int        `json:"history_count"`
	MAEAccuracy  *float64   `json:"mae_accuracy"`
	Prediction   Prediction `json:"prediction"`
}

// ForecastRun is everything the forecast pipeline computed. Payload is what
// gets emitted; the rest feeds the insight and chart commands.
type ForecastRun struct {
	Payload ForecastPayload
	Series  models.Series
	Result  models.ForecastResult
}

// Forecast loads a customer's history and forecasts the next month. No
// payload is returned on failure.
func (p *Pipeline) Forecast(ctx context.Context, customerID string) (run *ForecastRun, err error) {
	start := time.Now()
	defer func() { observe("forecast", start, err) }()

	readings, err := p.loader.GetReadings(ctx, customerID)
	if err != nil {
		return nil, err
	}

	s, stats, err := series.Normalize(readings, p.policy)
	logStats(customerID, stats)
	if err != nil {
		return nil, err
	}
	metrics.SeriesLength.Observe(float64(len(s)))

	res, err := p.engine.Forecast(s)
	if err != nil {
		return nil, err
	}

	payload := ForecastPayload{
		CustomerID:   customerID,
		Status:       "success",
		HistoryCount: len(s),
		MAEAccuracy:  res.BacktestError,
		Prediction: Prediction{
			Date:                  res.TargetPeriod.Format(time.DateOnly),
			MonthlyUsage:          res.PointEstimate,
			Range:                 Range{Lower: res.LowerBound, Upper: res.UpperBound},
			PredictedMeterReading: forecast.ProjectReading(s, res.PointEstimate, p.zeroBaseline),
		},
	}
	if p.tariff != nil {
		payload.Prediction.EstimatedFee = billing.EstimateFloat(res.PointEstimate, *p.tariff).StringFixed(2)
	}

	slog.Info("forecast complete",
		"customer_id", customerID,
		"periods", len(s),
		"target", payload.Prediction.Date,
		"estimate", res.PointEstimate)

	if p.recorder != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode prediction: %w", err)
		}
		if err := p.recorder.UpsertPrediction(ctx, models.Prediction{
			CustomerID:    customerID,
			ComputedAt:    p.now(),
			PolicyVersion: p.PolicyVersion(),
			Payload:       string(data),
		}); err != nil {
			return nil, err
		}
	}

	return &ForecastRun{Payload: payload, Series: s, Result: res}, nil
}
