package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"deskbot/internal/llm"
)

func TestChatRetriesOn429(t *testing.T) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		c := atomic.AddInt32(&calls, 1)
		if c < 3 {
			w.WriteHeader(429)
			w.Write([]byte("rate limit"))
			return
		}
		// the retried request must still carry the body
		var req struct {
			Messages []llm.Message `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			w.WriteHeader(400)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{map[string]any{"message": map[string]any{"content": "ok"}}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Setenv("DESKBOT_LLM_BASE_URL", srv.URL+"/v1")
	t.Setenv("DESKBOT_LLM_MIN_INTERVAL_MS", "1")

	c := NewFromEnv()
	st, err := c.Chat(context.Background(), "m", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, done, err := st.Recv()
	if err != nil || done || s != "ok" {
		t.Fatalf("unexpected: %q done=%v err=%v", s, done, err)
	}
}

func TestRetryAfterFloorsBackoff(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if d := retryAfter(resp); d != 0 {
		t.Fatalf("no header: %v", d)
	}
	resp.Header.Set("Retry-After", "2")
	if d := retryAfter(resp); d != 2*time.Second {
		t.Fatalf("want 2s, got %v", d)
	}
	resp.Header.Set("Retry-After", "junk")
	if d := retryAfter(resp); d != 0 {
		t.Fatalf("unparseable header should be ignored: %v", d)
	}
}
