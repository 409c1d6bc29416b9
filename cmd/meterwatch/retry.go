package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
	"github.com/lox/meterwatch/internal/pipeline"
)

// retryLoader retries history loads that fail with a data source error.
// Other errors are returned immediately.
type retryLoader struct {
	next       pipeline.HistoryLoader
	maxElapsed time.Duration
	newBackOff func() backoff.BackOff
}

func newRetryLoader(next pipeline.HistoryLoader, maxElapsed time.Duration) pipeline.HistoryLoader {
	if maxElapsed <= 0 {
		return next
	}
	return &retryLoader{
		next:       next,
		maxElapsed: maxElapsed,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 200 * time.Millisecond
			bo.MaxElapsedTime = maxElapsed
			return bo
		},
	}
}

func (l *retryLoader) GetReadings(ctx context.Context, customerID string) ([]models.Reading, error) {
	var out []models.Reading
	err := l.retry(ctx, "get readings", func() error {
		rs, err := l.next.GetReadings(ctx, customerID)
		out = rs
		return err
	})
	return out, err
}

func (l *retryLoader) GetRecentReadings(ctx context.Context, customerID string, limit int) ([]models.Reading, error) {
	var out []models.Reading
	err := l.retry(ctx, "get recent readings", func() error {
		rs, err := l.next.GetRecentReadings(ctx, customerID, limit)
		out = rs
		return err
	})
	return out, err
}

func (l *retryLoader) retry(ctx context.Context, op string, fn func() error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if apperr.KindOf(err) != apperr.KindDataSource {
			return backoff.Permanent(err)
		}
		slog.Warn("history load failed, retrying", "op", op, "attempt", attempt, "error", err)
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(l.newBackOff(), ctx))
}
