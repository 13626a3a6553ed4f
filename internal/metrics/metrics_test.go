package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requestCount reads pantry_http_requests_total for one label set.
func requestCount(t *testing.T, method, route, status string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "pantry_http_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["method"] == method && labels["route"] == route && labels["status"] == status {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMiddlewareLabelsInnermostPattern(t *testing.T) {
	inner := http.NewServeMux()
	inner.HandleFunc("GET /api/v1/things/{id}", func(w http.ResponseWriter, r *http.Request) {})

	outer := http.NewServeMux()
	outer.Handle("/api/v1/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// stands in for middleware that copies the request
		Routes(inner).ServeHTTP(w, r.WithContext(r.Context()))
	}))
	h := Middleware(Routes(outer))

	route := "GET /api/v1/things/{id}"
	before := requestCount(t, http.MethodGet, route, "200")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/things/42", nil))
	assert.Equal(t, before+1, requestCount(t, http.MethodGet, route, "200"))

	before = requestCount(t, http.MethodGet, "unmatched", "404")
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, before+1, requestCount(t, http.MethodGet, "unmatched", "404"))
}

func TestRecordSSEDeliverySkipsZero(t *testing.T) {
	assert.NotPanics(t, func() { RecordSSEDelivery("create", 0, 0) })
	RecordSSEDelivery("create", 2, 1)
}
