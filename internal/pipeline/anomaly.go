package pipeline

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/lox/meterwatch/internal/anomaly"
	"github.com/lox/meterwatch/internal/billing"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/models"
)

// AnomalyPayload is the success output of the anomaly pipeline.
type AnomalyPayload struct {
	AnomalyStatus models.Verdict `json:"anomalyStatus"`
}

// Detect scores a candidate reading against the customer's most recent
// readings. A malformed candidate is rejected before history is loaded.
func (p *Pipeline) Detect(ctx context.Context, customerID string, c models.Candidate) (payload *AnomalyPayload, err error) {
	start := time.Now()
	defer func() { observe("anomaly", start, err) }()

	if err := anomaly.ValidateCandidate(c); err != nil {
		return nil, err
	}

	history, err := p.loader.GetRecentReadings(ctx, customerID, p.scorer.Params().Window)
	if err != nil {
		return nil, err
	}

	res, err := p.scorer.Score(history, c)
	if err != nil {
		return nil, err
	}
	metrics.AnomalyVerdicts.WithLabelValues(string(res.Verdict)).Inc()

	slog.Info("anomaly check complete",
		"customer_id", customerID,
		"window", res.WindowSize,
		"imputed", res.Imputed,
		"verdict", res.Verdict)

	if p.recorder != nil {
		check := models.AnomalyCheck{
			CheckID:      uuid.NewString(),
			CustomerID:   customerID,
			MeterReading: *c.MeterReading,
			MonthlyUsage: *c.MonthlyUsage,
			SubmittedAt:  res.SubmittedAt,
			Verdict:      res.Verdict,
			WindowSize:   res.WindowSize,
		}
		if err := p.recorder.RecordAnomalyCheck(ctx, check, p.checkedReading(customerID, c, res)); err != nil {
			return nil, err
		}
	}

	return &AnomalyPayload{AnomalyStatus: res.Verdict}, nil
}

// checkedReading is the candidate as it joins the customer's history, carrying
// its verdict and, when a tariff is set, the fee for its usage.
func (p *Pipeline) checkedReading(customerID string, c models.Candidate, res anomaly.Result) models.Reading {
	r := models.Reading{
		CustomerID:    customerID,
		SubmittedAt:   sql.NullString{String: res.SubmittedAt.UTC().Format(time.RFC3339), Valid: true},
		MonthlyUsage:  sql.NullString{String: strconv.FormatFloat(*c.MonthlyUsage, 'f', -1, 64), Valid: true},
		MeterReading:  sql.NullFloat64{Float64: *c.MeterReading, Valid: true},
		AnomalyStatus: sql.NullString{String: string(res.Verdict), Valid: true},
	}
	if p.tariff != nil {
		r.Fee = sql.NullString{String: billing.EstimateFloat(*c.MonthlyUsage, *p.tariff).StringFixed(2), Valid: true}
	}
	return r
}
