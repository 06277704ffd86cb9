package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"deskbot/internal/llm"
)

func TestChatNonStreaming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "hello"}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Setenv("DESKBOT_LLM_BASE_URL", srv.URL+"/v1")
	c := NewFromEnv()
	st, err := c.Chat(context.Background(), "dummy", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	s, done, err := st.Recv()
	if err != nil || done {
		t.Fatalf("unexpected: %q done=%v err=%v", s, done, err)
	}
	if s != "hello" {
		t.Fatalf("got %q", s)
	}
}

func TestChatStreaming(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"a", "b", "c"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Setenv("DESKBOT_LLM_BASE_URL", srv.URL+"/v1")
	c := NewFromEnv()
	st, err := c.Chat(context.Background(), "m", []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, true, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	var got string
	for {
		delta, done, err := st.Recv()
		if err != nil {
			t.Fatal(err)
		}
		got += delta
		if done {
			break
		}
	}
	if got != "abc" {
		t.Fatalf("stream deltas: %q", got)
	}
}

func TestEmbeddings(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/embeddings", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []any{map[string]any{"embedding": []float32{0.1, 0.2}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	t.Setenv("DESKBOT_LLM_BASE_URL", srv.URL+"/v1")
	c := NewFromEnv()
	vecs, err := c.Embeddings(context.Background(), "embed", []string{"a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 1 || len(vecs[0]) != 2 {
		t.Fatalf("unexpected embedding size: %v", vecs)
	}
}
