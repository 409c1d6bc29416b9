package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_pipeline_runs_total",
			Help: "Total pipeline invocations by outcome",
		},
		[]string{"pipeline", "outcome"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterwatch_pipeline_duration_seconds",
			Help:    "Pipeline wall time in seconds, including history load",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline"},
	)

	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_readings_dropped_total",
			Help: "Readings dropped during normalization",
		},
		[]string{"reason"},
	)

	SeriesLength = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meterwatch_series_periods",
			Help:    "Distinct monthly periods in a normalized series",
			Buckets: []float64{2, 3, 4, 6, 9, 12, 18, 24, 36},
		},
	)

	AnomalyVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_anomaly_verdicts_total",
			Help: "Anomaly verdicts issued",
		},
		[]string{"verdict"},
	)

	ImportRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_import_rows_total",
			Help: "CSV import rows by result",
		},
		[]string{"result"},
	)

	InsightRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_insight_requests_total",
			Help: "Usage insight requests to the language model",
		},
		[]string{"status"},
	)

	OutboundRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterwatch_outbound_http_requests_total",
			Help: "Outbound HTTP requests by status code and method",
		},
		[]string{"code", "method"},
	)
)

// WriteTextfile writes the default registry in the node exporter textfile
// format. Batch runs have no scrape endpoint, so metrics are flushed at exit.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
