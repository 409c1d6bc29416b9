// Package config loads model policy, anomaly parameters and the tariff from
// a YAML file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/lox/meterwatch/internal/anomaly"
	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/billing"
	"github.com/lox/meterwatch/internal/forecast"
	"github.com/lox/meterwatch/internal/series"
)

type Config struct {
	Forecast ForecastConfig `yaml:"forecast"`
	Anomaly  anomaly.Params `yaml:"anomaly"`
	Tariff   TariffConfig   `yaml:"tariff"`
	Insight  InsightConfig  `yaml:"insight"`
}

type ForecastConfig struct {
	// TrailingWindow is an ISO 8601 duration such as P6M. Empty keeps the
	// full history.
	TrailingWindow    string               `yaml:"trailing_window"`
	MinTrailingPoints int                  `yaml:"min_trailing_points"`
	IntervalWidth     float64              `yaml:"interval_width"`
	ZeroBaseline      bool                 `yaml:"zero_baseline"`
	Seasonality       forecast.Seasonality `yaml:"seasonality"`
}

type BlockConfig struct {
	UpTo string `yaml:"up_to"`
	Rate string `yaml:"rate"`
}

type TariffConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Blocks            []BlockConfig `yaml:"blocks"`
	LifelineThreshold string        `yaml:"lifeline_threshold"`
	ServiceLifeline   string        `yaml:"service_lifeline"`
	ServiceStandard   string        `yaml:"service_standard"`
}

type InsightConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

func DefaultConfig() *Config {
	return &Config{
		Forecast: ForecastConfig{
			MinTrailingPoints: 3,
			IntervalWidth:     forecast.DefaultIntervalWidth,
		},
		Anomaly: anomaly.DefaultParams(),
		Tariff:  tariffConfigFrom(billing.DefaultTariff()),
		Insight: InsightConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 400,
		},
	}
}

func tariffConfigFrom(t billing.Tariff) TariffConfig {
	tc := TariffConfig{
		Enabled:           true,
		LifelineThreshold: t.LifelineThreshold.String(),
		ServiceLifeline:   t.ServiceLifeline.StringFixed(2),
		ServiceStandard:   t.ServiceStandard.StringFixed(2),
	}
	for _, b := range t.Blocks {
		bc := BlockConfig{Rate: b.Rate.StringFixed(4)}
		if b.UpTo != nil {
			bc.UpTo = b.UpTo.String()
		}
		tc.Blocks = append(tc.Blocks, bc)
	}
	return tc
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Config("load", "read config file: %v", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperr.Config("load", "parse config file: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if _, err := series.ParseSpan(c.Forecast.TrailingWindow); err != nil {
		problems = append(problems, fmt.Sprintf("forecast.trailing_window: %v", err))
	}
	if c.Forecast.MinTrailingPoints < series.MinPeriods {
		problems = append(problems, fmt.Sprintf("forecast.min_trailing_points must be at least %d", series.MinPeriods))
	}
	if c.Forecast.IntervalWidth <= 0 || c.Forecast.IntervalWidth >= 1 {
		problems = append(problems, "forecast.interval_width must be between 0 and 1")
	}

	if c.Anomaly.Window < 1 {
		problems = append(problems, "anomaly.window must be at least 1")
	}
	if c.Anomaly.Trees < 1 {
		problems = append(problems, "anomaly.trees must be at least 1")
	}
	if c.Anomaly.Contamination <= 0 || c.Anomaly.Contamination > 0.5 {
		problems = append(problems, "anomaly.contamination must be in (0, 0.5]")
	}

	if c.Tariff.Enabled {
		if _, err := c.Tariff.Build(); err != nil {
			problems = append(problems, fmt.Sprintf("tariff: %v", err))
		}
	}

	if len(problems) > 0 {
		return apperr.Config("validate", "invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Policy returns the normalizer policy. Call Validate first.
func (c *Config) Policy() series.Policy {
	span, _ := series.ParseSpan(c.Forecast.TrailingWindow)
	return series.Policy{
		TrailingWindow:    span,
		MinTrailingPoints: c.Forecast.MinTrailingPoints,
	}
}

func (c *Config) ForecastOptions() forecast.Options {
	return forecast.Options{
		Seasonality:   c.Forecast.Seasonality,
		IntervalWidth: c.Forecast.IntervalWidth,
	}
}

// Build parses the tariff's decimal strings.
func (tc TariffConfig) Build() (billing.Tariff, error) {
	var t billing.Tariff
	for i, bc := range tc.Blocks {
		rate, err := decimal.NewFromString(bc.Rate)
		if err != nil {
			return t, fmt.Errorf("block %d rate %q: %w", i+1, bc.Rate, err)
		}
		b := billing.Block{Rate: rate}
		if bc.UpTo != "" {
			upTo, err := decimal.NewFromString(bc.UpTo)
			if err != nil {
				return t, fmt.Errorf("block %d up_to %q: %w", i+1, bc.UpTo, err)
			}
			b.UpTo = &upTo
		}
		t.Blocks = append(t.Blocks, b)
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"lifeline_threshold", tc.LifelineThreshold, &t.LifelineThreshold},
		{"service_lifeline", tc.ServiceLifeline, &t.ServiceLifeline},
		{"service_standard", tc.ServiceStandard, &t.ServiceStandard},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return t, fmt.Errorf("%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}

	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}
