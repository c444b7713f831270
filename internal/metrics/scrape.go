package metrics

import (
	"net/http"
	"net/http/httptest"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Scrape renders h's Prometheus exposition output and parses it back into
// metric families, the way an external scraper would see it. It exists so
// tests can assert on what the tunnel actually exposes over /metrics rather
// than poking at the registry's internal state directly.
func Scrape(h http.Handler) (map[string]*dto.MetricFamily, error) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var parser expfmt.TextParser
	return parser.TextToMetricFamilies(rec.Body)
}
