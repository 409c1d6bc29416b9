// Package insight turns a usage forecast into a short plain-language
// explanation and saving tips using OpenAI's API.
package insight

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/httputil"
	"github.com/lox/meterwatch/internal/metrics"
	"github.com/lox/meterwatch/internal/models"
)

const systemPrompt = `You explain household electricity usage to a utility customer.
Reply with a JSON object only: {"trendAnalysis": string, "tips": [string, string]}.
trendAnalysis is at most three sentences comparing the forecast with recent months.
Each tip is one concrete, practical way to reduce usage. Do not invent numbers.`

// Insight is the narrative shown alongside a forecast.
type Insight struct {
	NextMonthPrediction float64  `json:"nextMonthPrediction"`
	TrendAnalysis       string   `json:"trendAnalysis"`
	Tips                []string `json:"tips"`
}

// Request is what the model is told about a customer.
type Request struct {
	CustomerID   string
	Series       models.Series
	Forecast     models.ForecastResult
	EstimatedFee string
}

// Generator asks a chat model for usage insights.
type Generator struct {
	client    openai.Client
	model     string
	maxTokens int64
	cache     *Cache
}

// NewGenerator creates a generator authenticated with apiKey. Extra options
// are passed to the OpenAI client.
func NewGenerator(apiKey, model string, maxTokens int64, opts ...option.RequestOption) (*Generator, error) {
	if apiKey == "" {
		return nil, apperr.Config("insight", "OPENAI_API_KEY is not set")
	}

	clientOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httputil.NewClient()),
	}, opts...)

	return &Generator{
		client:    openai.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// WithCache reuses answers for identical prompts.
func (g *Generator) WithCache(c *Cache) *Generator {
	g.cache = c
	return g
}

func (g *Generator) Generate(ctx context.Context, req Request) (*Insight, error) {
	prompt := buildPrompt(req)
	key := cacheKey(g.model, prompt)

	if g.cache != nil {
		if data, ok := g.cache.Get(key); ok {
			if ins, err := parseInsight(data); err == nil {
				slog.Debug("using cached insight", "customer_id", req.CustomerID)
				ins.NextMonthPrediction = req.Forecast.PointEstimate
				return ins, nil
			}
		}
	}

	slog.Info("requesting usage insight", "customer_id", req.CustomerID, "model", g.model)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
		MaxCompletionTokens: openai.Int(g.maxTokens),
	})
	if err != nil {
		metrics.InsightRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("insight request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.InsightRequestsTotal.WithLabelValues("empty").Inc()
		return nil, errors.New("no insight returned")
	}

	content := resp.Choices[0].Message.Content
	ins, err := parseInsight([]byte(content))
	if err != nil {
		metrics.InsightRequestsTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}
	metrics.InsightRequestsTotal.WithLabelValues("ok").Inc()

	if g.cache != nil {
		if err := g.cache.Set(key, []byte(content)); err != nil {
			slog.Warn("failed to cache insight", "error", err)
		}
	}

	ins.NextMonthPrediction = req.Forecast.PointEstimate
	return ins, nil
}

func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Monthly usage history (kWh):\n")
	recent := req.Series
	if len(recent) > 12 {
		recent = recent[len(recent)-12:]
	}
	for _, p := range recent {
		fmt.Fprintf(&b, "- %s: %.1f\n", p.Period.Format("2006-01"), p.Usage)
	}
	f := req.Forecast
	fmt.Fprintf(&b, "Forecast for %s: %.1f kWh (80%% range %.1f to %.1f).\n",
		f.TargetPeriod.Format("2006-01"), f.PointEstimate, f.LowerBound, f.UpperBound)
	if f.BacktestError != nil {
		fmt.Fprintf(&b, "Last month the model was off by %.1f kWh.\n", *f.BacktestError)
	}
	if req.EstimatedFee != "" {
		fmt.Fprintf(&b, "Estimated bill: %s.\n", req.EstimatedFee)
	}
	return b.String()
}

// parseInsight accepts the JSON object on its own or wrapped in a code fence.
func parseInsight(data []byte) (*Insight, error) {
	s := strings.TrimSpace(string(data))
	if start, end := strings.Index(s, "{"), strings.LastIndex(s, "}"); start >= 0 && end > start {
		s = s[start : end+1]
	}

	var ins Insight
	if err := json.Unmarshal([]byte(s), &ins); err != nil {
		return nil, fmt.Errorf("decode insight: %w", err)
	}
	if ins.TrendAnalysis == "" {
		return nil, errors.New("insight has no trend analysis")
	}
	return &ins, nil
}
