// Package metrics provides Prometheus metrics for the Pantry server.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_content_bytes_uploaded_total",
			Help: "Total bytes written by uploads",
		},
	)

	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_content_bytes_downloaded_total",
			Help: "Total bytes served by downloads",
		},
	)

	// Tree mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_tree_mutations_total",
			Help: "File-tree operations by outcome",
		},
		[]string{"op", "result"},
	)

	cleanupFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pantry_physical_cleanup_failures_total",
			Help: "Best-effort physical deletes that failed after commit (orphan candidates)",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Storage metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_storage_operation_duration_seconds",
			Help:    "Storage backend operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_storage_operations_total",
			Help: "Total storage backend operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Reconciler metrics
	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_sweep_runs_total",
			Help: "Background sweep runs",
		},
		[]string{"task"},
	)

	sweepItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_sweep_items_total",
			Help: "Items handled by background sweeps",
		},
		[]string{"task", "outcome"},
	)

	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantry_sweep_duration_seconds",
			Help:    "Background sweep duration in seconds",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"task"},
	)

	danglingRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_dangling_rows",
			Help: "File rows whose physical object was missing at the last orphan sweep",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pantry_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_sse_events_total",
			Help: "SSE event deliveries by type and result (sent, dropped)",
		},
		[]string{"type", "result"},
	)

	// Audit metrics
	auditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_audit_events_total",
			Help: "Audit events by delivery outcome",
		},
		[]string{"outcome"},
	)

	// Sharing metrics
	shareAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_share_access_total",
			Help: "Share link accesses by result",
		},
		[]string{"result"},
	)

	// Quota metrics
	quotaExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_quota_exceeded_total",
			Help: "Total quota exceeded rejections",
		},
		[]string{"type"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_auth_attempts_total",
			Help: "Bearer token checks by result",
		},
		[]string{"result"},
	)

	// Settings cache metrics
	settingsCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantry_settings_cache_total",
			Help: "Settings cache lookups by result",
		},
		[]string{"result"},
	)
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentUpload records bytes accepted by an upload.
func RecordContentUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// RecordContentDownload records bytes served by a download.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordMutation records the outcome of a file-tree operation.
func RecordMutation(op string, err error) {
	mutationsTotal.WithLabelValues(op, status(err == nil)).Inc()
}

// RecordCleanupFailure counts a failed post-commit physical delete.
func RecordCleanupFailure() {
	cleanupFailuresTotal.Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a storage backend operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	storageOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordSweep records one run of a background task and its per-item outcomes.
func RecordSweep(task string, duration time.Duration, outcomes map[string]int) {
	sweepRunsTotal.WithLabelValues(task).Inc()
	sweepDuration.WithLabelValues(task).Observe(duration.Seconds())
	for outcome, n := range outcomes {
		if n > 0 {
			sweepItemsTotal.WithLabelValues(task, outcome).Add(float64(n))
		}
	}
}

// SetDanglingRows sets the dangling row count found by the last orphan sweep.
func SetDanglingRows(count int) {
	danglingRows.Set(float64(count))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEDelivery counts event deliveries to subscribers. dropped is the
// number of subscribers whose buffer was full.
func RecordSSEDelivery(eventType string, sent, dropped int) {
	if sent > 0 {
		sseEventsTotal.WithLabelValues(eventType, "sent").Add(float64(sent))
	}
	if dropped > 0 {
		sseEventsTotal.WithLabelValues(eventType, "dropped").Add(float64(dropped))
	}
}

// RecordAuditEvent records an audit event outcome: queued, dropped, delivered or failed.
func RecordAuditEvent(outcome string) {
	auditEventsTotal.WithLabelValues(outcome).Inc()
}

// RecordShareAccess records a share link access result.
func RecordShareAccess(result string) {
	shareAccessTotal.WithLabelValues(result).Inc()
}

// RecordQuotaExceeded records a quota exceeded rejection.
func RecordQuotaExceeded(quotaType string) {
	quotaExceededTotal.WithLabelValues(quotaType).Inc()
}

// RecordAuthAttempt records a bearer token check.
func RecordAuthAttempt(success bool) {
	authAttemptsTotal.WithLabelValues(status(success)).Inc()
}

// RecordSettingsCache records a settings cache lookup: hit, stale or miss.
func RecordSettingsCache(result string) {
	settingsCacheTotal.WithLabelValues(result).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type routeKey struct{}

// Middleware records request count and latency labelled by mux pattern,
// which keeps label cardinality bounded. The pattern is reported by
// Routes, which must wrap each ServeMux below this middleware.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		route := new(string)
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), routeKey{}, route)))
		if *route == "" {
			*route = "unmatched"
		}
		RecordHTTPRequest(r.Method, *route, rw.statusCode, time.Since(start))
	})
}

// Routes reports the pattern mux matched to Middleware. With nested muxes
// the innermost match wins.
func Routes(mux http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if route, ok := r.Context().Value(routeKey{}).(*string); ok && *route == "" {
			*route = r.Pattern
		}
	})
}
