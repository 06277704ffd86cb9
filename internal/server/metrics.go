package server

import (
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskbot/internal/version"
)

type metricsCollector struct {
	mu sync.Mutex
	// counters keyed by method|path|status
	reqTotal map[string]int
	// duration sum/count keyed by method|path
	durSum   map[string]float64
	durCount map[string]int
	// chat
	chatRequests int
	chatTokens   int
	// embedding cache
	embedCacheHits   int
	embedCacheMisses int
	embedCacheEvict  int
}

func newMetrics() *metricsCollector {
	return &metricsCollector{
		reqTotal: make(map[string]int),
		durSum:   make(map[string]float64),
		durCount: make(map[string]int),
	}
}

var metrics = newMetrics()

func (m *metricsCollector) observe(method, path string, status int, dur time.Duration) {
	mkey := method + "|" + path + "|" + strconv.Itoa(status)
	dkey := method + "|" + path
	m.mu.Lock()
	m.reqTotal[mkey]++
	m.durSum[dkey] += dur.Seconds()
	m.durCount[dkey]++
	m.mu.Unlock()
}

// sampling for metrics recording (0..1)
var (
	metricsSampleRate = 1.0
	samplerOnce       sync.Once
)

func shouldSample() bool {
	samplerOnce.Do(func() {
		if v := os.Getenv("DESKBOT_METRICS_SAMPLE_RATE"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
				metricsSampleRate = f
			}
		}
	})
	if metricsSampleRate >= 1 {
		return true
	}
	return rand.Float64() < metricsSampleRate
}

// normalizePath collapses variable path segments for metrics labels
func normalizePath(p string) string {
	if strings.HasPrefix(p, "/api/rag/documents/") && len(p) > len("/api/rag/documents/") {
		return "/api/rag/documents/:id"
	}
	return p
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	// Content negotiation: default to Prometheus text exposition.
	// Use JSON when explicitly requested via query or Accept header.
	format := strings.ToLower(r.URL.Query().Get("format"))
	accept := r.Header.Get("Accept")
	st, err := a.engine.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if format == "json" || strings.Contains(accept, "application/json") {
		writeJSON(w, http.StatusOK, st)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	io.WriteString(w, "# HELP deskbot_documents Number of knowledge-base documents.\n")
	io.WriteString(w, "# TYPE deskbot_documents gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_documents %d\n", st.Documents))

	io.WriteString(w, "# HELP deskbot_chunks Number of indexed chunks.\n")
	io.WriteString(w, "# TYPE deskbot_chunks gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_chunks %d\n", st.Chunks))

	io.WriteString(w, "# HELP deskbot_vectors Number of stored embedding vectors.\n")
	io.WriteString(w, "# TYPE deskbot_vectors gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_vectors %d\n", st.Vectors))

	io.WriteString(w, "# HELP deskbot_conversations Number of stored conversations.\n")
	io.WriteString(w, "# TYPE deskbot_conversations gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_conversations %d\n", st.Conversations))

	io.WriteString(w, "# HELP deskbot_users Number of registered users.\n")
	io.WriteString(w, "# TYPE deskbot_users gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_users %d\n", st.Users))

	// http request metrics (counters and duration sum/count)
	metrics.mu.Lock()
	for key, v := range metrics.reqTotal {
		parts := strings.Split(key, "|")
		if len(parts) == 3 {
			method, path, status := parts[0], parts[1], parts[2]
			io.WriteString(w, "# TYPE deskbot_http_requests_total counter\n")
			io.WriteString(w, fmt.Sprintf("deskbot_http_requests_total{method=%q,path=%q,status=%q} %d\n", method, path, status, v))
		}
	}
	for key, sum := range metrics.durSum {
		cnt := metrics.durCount[key]
		parts := strings.Split(key, "|")
		if len(parts) == 2 {
			method, path := parts[0], parts[1]
			io.WriteString(w, "# TYPE deskbot_http_request_duration_seconds summary\n")
			io.WriteString(w, fmt.Sprintf("deskbot_http_request_duration_seconds_sum{method=%q,path=%q} %f\n", method, path, sum))
			io.WriteString(w, fmt.Sprintf("deskbot_http_request_duration_seconds_count{method=%q,path=%q} %d\n", method, path, cnt))
		}
	}
	io.WriteString(w, "# TYPE deskbot_chat_requests_total counter\n")
	io.WriteString(w, fmt.Sprintf("deskbot_chat_requests_total %d\n", metrics.chatRequests))
	io.WriteString(w, "# TYPE deskbot_chat_stream_tokens_total counter\n")
	io.WriteString(w, fmt.Sprintf("deskbot_chat_stream_tokens_total %d\n", metrics.chatTokens))
	io.WriteString(w, "# HELP deskbot_embed_cache_hits_total Embedding cache hits.\n")
	io.WriteString(w, "# TYPE deskbot_embed_cache_hits_total counter\n")
	io.WriteString(w, fmt.Sprintf("deskbot_embed_cache_hits_total %d\n", metrics.embedCacheHits))
	io.WriteString(w, "# HELP deskbot_embed_cache_misses_total Embedding cache misses.\n")
	io.WriteString(w, "# TYPE deskbot_embed_cache_misses_total counter\n")
	io.WriteString(w, fmt.Sprintf("deskbot_embed_cache_misses_total %d\n", metrics.embedCacheMisses))
	io.WriteString(w, "# HELP deskbot_embed_cache_evictions_total Embedding cache evictions.\n")
	io.WriteString(w, "# TYPE deskbot_embed_cache_evictions_total counter\n")
	io.WriteString(w, fmt.Sprintf("deskbot_embed_cache_evictions_total %d\n", metrics.embedCacheEvict))
	metrics.mu.Unlock()

	io.WriteString(w, "# HELP deskbot_build_info Build information.\n")
	io.WriteString(w, "# TYPE deskbot_build_info gauge\n")
	io.WriteString(w, fmt.Sprintf("deskbot_build_info{version=%q,commit=%q} 1\n", version.Version, version.Commit))
}
