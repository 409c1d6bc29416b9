// Package httputil provides the HTTP client used for outbound API calls.
package httputil

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lox/meterwatch/internal/metrics"
)

const DefaultTimeout = 30 * time.Second

const userAgent = "meterwatch/1"

// NewClient returns a client with the standard timeout whose requests carry
// the meterwatch user agent and are counted by status code and method.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: promhttp.InstrumentRoundTripperCounter(metrics.OutboundRequestsTotal, userAgentTransport{next: http.DefaultTransport}),
	}
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", userAgent)
	}
	return t.next.RoundTrip(req)
}
