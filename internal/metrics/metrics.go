// Package metrics provides Prometheus metrics for the throttler server.
package metrics

import (
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
			Name: "throttler_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "throttler_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "throttler_content_bytes_downloaded_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "throttler_content_bytes_uploaded_total",
			Help: "Total bytes written through the content endpoint",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"status"},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_content_uploads_total",
			Help: "Total number of content uploads",
		},
		[]string{"status"},
	)

	// File operation metrics
	fileOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_file_operations_total",
			Help: "Total file operations by kind",
		},
		[]string{"op", "status"},
	)

	// Search metrics
	searchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "throttler_search_duration_seconds",
			Help:    "Time spent walking the tree for a search",
			Buckets: prometheus.DefBuckets,
		},
	)

	searchResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "throttler_search_results",
			Help:    "Number of results returned per search",
			Buckets: []float64{0, 1, 10, 50, 100, 500, 1000},
		},
	)

	// Thumbnail metrics
	thumbnailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_thumbnails_total",
			Help: "Thumbnail requests by cache result",
		},
		[]string{"result"},
	)

	// Trash metrics
	trashItemsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "throttler_trash_items_purged_total",
			Help: "Total trash items permanently removed",
		},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "throttler_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "throttler_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type", "source"},
	)

	// Watcher metrics
	watchedDirs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "throttler_watched_directories",
			Help: "Number of directories watched for changes",
		},
	)

	// Rate limiting
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "throttler_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordContentDownload records a content download.
func RecordContentDownload(bytes int64, success bool) {
	contentBytesDownloaded.Add(float64(bytes))
	contentDownloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordContentUpload records a content upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordFileOp records a mutating file operation (mkdir, delete, move, ...).
func RecordFileOp(op string, success bool) {
	fileOpsTotal.WithLabelValues(op, statusLabel(success)).Inc()
}

// RecordSearch records a completed search.
func RecordSearch(duration time.Duration, results int) {
	searchDuration.Observe(duration.Seconds())
	searchResults.Observe(float64(results))
}

// RecordThumbnail records a thumbnail request served from cache or generated.
func RecordThumbnail(cached bool) {
	result := "generated"
	if cached {
		result = "cached"
	}
	thumbnailsTotal.WithLabelValues(result).Inc()
}

// RecordTrashPurged records permanently removed trash items.
func RecordTrashPurged(n int) {
	trashItemsPurged.Add(float64(n))
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType, source string) {
	sseEventsTotal.WithLabelValues(eventType, source).Inc()
}

// SetWatchedDirs sets the number of watched directories.
func SetWatchedDirs(count int) {
	watchedDirs.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
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

// Middleware returns HTTP middleware that records request metrics. Requests
// are labelled by the matched route pattern so paths do not explode the
// label set; it must wrap the ServeMux directly.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
