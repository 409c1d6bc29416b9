// Package pipeline wires the history loader, normalizer, forecast engine and
// anomaly scorer into the two per-customer pipelines and shapes their output.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/lox/meterwatch/internal/anomaly"
	"github.com/lox/meterwatch/internal/billing"
	"github.com/lox/meterwatch/internal/config"
	"github.com/lox/meterwatch/internal/forecast"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/series"
)

// HistoryLoader fetches a customer's stored readings. GetReadings returns
// them in submission order; GetRecentReadings most recent first.
type HistoryLoader interface {
	GetReadings(ctx context.Context, customerID string) ([]models.Reading, error)
	GetRecentReadings(ctx context.Context, customerID string, limit int) ([]models.Reading, error)
}

// Recorder persists pipeline outputs. It is optional.
type Recorder interface {
	UpsertPrediction(ctx context.Context, p models.Prediction) error
	RecordAnomalyCheck(ctx context.Context, c models.AnomalyCheck, r models.Reading) error
}

// policyRevision changes whenever the aggregation or clamping rules change.
const policyRevision = "v1"

type Pipeline struct {
	loader       HistoryLoader
	recorder     Recorder
	policy       series.Policy
	engine       *forecast.Engine
	scorer       *anomaly.Scorer
	tariff       *billing.Tariff
	zeroBaseline bool
	now          func() time.Time
}

type Option func(*Pipeline)

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New builds both pipelines from a validated configuration.
func New(loader HistoryLoader, cfg *config.Config, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		loader:       loader,
		policy:       cfg.Policy(),
		engine:       forecast.NewEngine(cfg.ForecastOptions()),
		zeroBaseline: cfg.Forecast.ZeroBaseline,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if cfg.Tariff.Enabled {
		t, err := cfg.Tariff.Build()
		if err != nil {
			return nil, err
		}
		p.tariff = &t
	}
	for _, opt := range opts {
		opt(p)
	}
	p.scorer = anomaly.NewScorer(cfg.Anomaly, anomaly.WithClock(p.now))
	return p, nil
}

// PolicyVersion identifies the normalization and clamping rules a forecast
// was produced under.
func (p *Pipeline) PolicyVersion() string {
	return policyRevision + ";" + p.policy.String() + ";agg=mean-usage,max-reading;clamp=point,lower"
}

func observe(name string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.PipelineRunsTotal.WithLabelValues(name, outcome).Inc()
	metrics.PipelineDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func logStats(customerID string, st series.Stats) {
	if st.DroppedTimestamp > 0 {
		metrics.ReadingsDropped.WithLabelValues("timestamp").Add(float64(st.DroppedTimestamp))
	}
	if st.DroppedUsage > 0 {
		metrics.ReadingsDropped.WithLabelValues("usage").Add(float64(st.DroppedUsage))
	}
	slog.Debug("normalized readings",
		"customer_id", customerID,
		"input", st.Input,
		"dropped_timestamp", st.DroppedTimestamp,
		"dropped_usage", st.DroppedUsage,
		"periods", st.Periods,
		"trailing_applied", st.TrailingApplied)
}
