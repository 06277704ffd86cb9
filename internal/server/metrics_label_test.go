package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"/api/rag/documents/doc-42": "/api/rag/documents/:id",
		"/api/rag/documents":        "/api/rag/documents",
		"/api/rag/documents/":       "/api/rag/documents/",
		"/api/chat":                 "/api/chat",
		"/health":                   "/health",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Fatalf("normalizePath(%q)=%q want %q", in, got, want)
		}
	}
}

func TestRequestMetricsUseNormalizedLabels(t *testing.T) {
	resetMetrics()
	metricsSampleRate = 1.0

	h := logMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rag/documents/doc-99", nil))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.reqTotal["GET|/api/rag/documents/:id|200"] != 1 {
		t.Fatalf("counter not recorded under :id label: %v", metrics.reqTotal)
	}
	if metrics.durCount["GET|/api/rag/documents/:id"] != 1 {
		t.Fatalf("duration not recorded under :id label: %v", metrics.durCount)
	}
	if _, ok := metrics.reqTotal["GET|/api/rag/documents/doc-99|200"]; ok {
		t.Fatal("raw id leaked into metric labels")
	}
}
