package insight

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go/v3/option"

	"github.com/lox/meterwatch/internal/apperr"
	"github.com/lox/meterwatch/internal/models"
)

func testRequest() Request {
	mae := 3.5
	base := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	var s models.Series
	for i, u := range []float64{100, 110, 120} {
		s = append(s, models.Point{Period: base.AddDate(0, i, 0), Usage: u})
	}
	return Request{
		CustomerID: "c1",
		Series:     s,
		Forecast: models.ForecastResult{
			TargetPeriod:  time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC),
			PointEstimate: 130,
			LowerBound:    120,
			UpperBound:    140,
			BacktestError: &mae,
		},
		EstimatedFee: "175.25",
	}
}

func chatServer(t *testing.T, content string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewGenerator_MissingKey(t *testing.T) {
	_, err := NewGenerator("", "gpt-4o-mini", 400)
	if apperr.KindOf(err) != apperr.KindConfig {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestGenerate(t *testing.T) {
	var calls atomic.Int32
	content := "```json\n{\"trendAnalysis\": \"Usage is rising steadily.\", \"tips\": [\"Run the dishwasher full.\", \"Lower the water heater setting.\"]}\n```"
	srv := chatServer(t, content, &calls)

	g, err := NewGenerator("test-key", "gpt-4o-mini", 400, option.WithBaseURL(srv.URL+"/v1/"), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.WithCache(NewCache(t.TempDir(), time.Hour))

	ins, err := g.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if ins.TrendAnalysis != "Usage is rising steadily." || len(ins.Tips) != 2 {
		t.Errorf("insight = %+v", ins)
	}
	if ins.NextMonthPrediction != 130 {
		t.Errorf("NextMonthPrediction = %v, want 130", ins.NextMonthPrediction)
	}

	if _, err := g.Generate(context.Background(), testRequest()); err != nil {
		t.Fatalf("second Generate: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server calls = %d, want 1 (second answer cached)", n)
	}
}

func TestGenerate_Malformed(t *testing.T) {
	var calls atomic.Int32
	srv := chatServer(t, "I cannot help with that.", &calls)

	g, err := NewGenerator("test-key", "gpt-4o-mini", 400, option.WithBaseURL(srv.URL+"/v1/"), option.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate(context.Background(), testRequest()); err == nil {
		t.Fatal("Generate succeeded on a non-JSON answer")
	}
}

func TestBuildPrompt(t *testing.T) {
	p := buildPrompt(testRequest())
	for _, want := range []string{"2025-01: 100.0", "2025-03: 120.0", "Forecast for 2025-04: 130.0", "off by 3.5", "175.25"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(t.TempDir(), time.Nanosecond)
	if err := c.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("stale entry returned")
	}

	fresh := NewCache(t.TempDir(), 0)
	fresh.Set("k", []byte("v"))
	if data, ok := fresh.Get("k"); !ok || string(data) != "v" {
		t.Errorf("Get = %q, %v", data, ok)
	}
}
