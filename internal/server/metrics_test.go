package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"deskbot/internal/models"
)

func resetMetrics() {
	metrics.mu.Lock()
	metrics.reqTotal = make(map[string]int)
	metrics.durSum = make(map[string]float64)
	metrics.durCount = make(map[string]int)
	metrics.chatRequests = 0
	metrics.chatTokens = 0
	metrics.embedCacheHits = 0
	metrics.embedCacheMisses = 0
	metrics.embedCacheEvict = 0
	metrics.mu.Unlock()
}

func TestMetricsExposition(t *testing.T) {
	resetMetrics()
	a, _ := newTestAPI(t, nil)
	if _, err := a.engine.AddDocument(context.Background(), models.Document{
		Title: "Guide", Source: "kb", Content: "Restart the print spooler service.",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rr := httptest.NewRecorder()
	a.mux().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type=%q", ct)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"# TYPE deskbot_documents gauge",
		"deskbot_documents 1",
		"# TYPE deskbot_chunks gauge",
		"deskbot_chat_requests_total",
		"deskbot_embed_cache_hits_total",
		"deskbot_build_info{version=",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("exposition missing %q:\n%s", want, body)
		}
	}
}

func TestMetricsJSONNegotiation(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	if _, err := a.engine.AddDocument(context.Background(), models.Document{
		Title: "Guide", Source: "kb", Content: "Restart the print spooler service.",
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, mk := range []func() *http.Request{
		func() *http.Request {
			return httptest.NewRequest(http.MethodGet, "/metrics?format=json", nil)
		},
		func() *http.Request {
			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.Header.Set("Accept", "application/json")
			return req
		},
	} {
		rr := httptest.NewRecorder()
		a.mux().ServeHTTP(rr, mk())
		if rr.Code != http.StatusOK {
			t.Fatalf("status=%d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("content-type=%q", ct)
		}
		var st models.Stats
		if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if st.Documents != 1 || st.Chunks == 0 {
			t.Fatalf("stats=%+v", st)
		}
	}
}
