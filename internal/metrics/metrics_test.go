package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/stat/{path...}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/v1/stat/{path...}", "404"))
	for _, p := range []string{"/api/v1/stat/a.txt", "/api/v1/stat/b/c.txt"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", p, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /api/v1/stat/{path...}", "404"))
	if after-before != 2 {
		t.Errorf("counter grew by %v, want 2", after-before)
	}

	before = testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/nope", nil))
	after = testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "404"))
	if after-before != 1 {
		t.Errorf("unmatched counter grew by %v, want 1", after-before)
	}
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(thumbnailsTotal.WithLabelValues("cached"))
	RecordThumbnail(true)
	if got := testutil.ToFloat64(thumbnailsTotal.WithLabelValues("cached")) - before; got != 1 {
		t.Errorf("cached thumbnails grew by %v, want 1", got)
	}

	before = testutil.ToFloat64(fileOpsTotal.WithLabelValues("move", "error"))
	RecordFileOp("move", false)
	if got := testutil.ToFloat64(fileOpsTotal.WithLabelValues("move", "error")) - before; got != 1 {
		t.Errorf("failed moves grew by %v, want 1", got)
	}

	SetSSEConnectionsActive(3)
	if got := testutil.ToFloat64(sseConnectionsActive); got != 3 {
		t.Errorf("sse gauge = %v, want 3", got)
	}
}

func TestRecordSearch(t *testing.T) {
	before := sampleCount(t, searchResults)
	RecordSearch(15*time.Millisecond, 7)
	if got := sampleCount(t, searchResults) - before; got != 1 {
		t.Errorf("search results observed %d times, want 1", got)
	}
	if sampleCount(t, searchDuration) == 0 {
		t.Error("search duration not observed")
	}
}
