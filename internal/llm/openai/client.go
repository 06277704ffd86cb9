package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"deskbot/internal/llm"
)

const (
	defaultChatModel  = "qwen2.5-7b-instruct"
	defaultEmbedModel = "text-embedding-nomic-embed-text-v1.5"
)

// Client talks to any OpenAI-compatible endpoint (LM Studio, Ollama,
// vLLM, the hosted API). Base URL and key come from env.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client

	mu      sync.Mutex
	minGap  time.Duration
	lastReq time.Time
}

func NewFromEnv() *Client {
	base := os.Getenv("DESKBOT_LLM_BASE_URL")
	if base == "" {
		base = "http://127.0.0.1:1234/v1"
	}
	key := os.Getenv("DESKBOT_LLM_API_KEY")
	gap := time.Duration(0)
	if ms := os.Getenv("DESKBOT_LLM_MIN_INTERVAL_MS"); ms != "" {
		if v, err := strconv.Atoi(ms); err == nil && v > 0 {
			gap = time.Duration(v) * time.Millisecond
		}
	}
	return &Client{baseURL: strings.TrimRight(base, "/"), apiKey: key, http: &http.Client{Timeout: 60 * time.Second}, minGap: gap}
}

// BaseURL reports the resolved endpoint, for startup logging.
func (c *Client) BaseURL() string { return c.baseURL }

type chatStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *chatStream) Recv() (string, bool, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", true, nil
		}
		return "", true, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}
	if !strings.HasPrefix(line, "data:") {
		return "", false, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if payload == "[DONE]" {
		return "", true, nil
	}
	var evt struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return "", false, nil
	}
	if len(evt.Choices) > 0 {
		return evt.Choices[0].Delta.Content, false, nil
	}
	return "", false, nil
}

func (s *chatStream) Close() error { return s.body.Close() }

// Chat implements llm.ChatProvider.
func (c *Client) Chat(ctx context.Context, model string, messages []llm.Message, stream bool, temperature float32) (llm.ChatStream, error) {
	if model == "" {
		model = os.Getenv("DESKBOT_CHAT_MODEL")
		if model == "" {
			model = defaultChatModel
		}
	}
	reqBody := map[string]any{
		"model":       model,
		"messages":    messages,
		"temperature": temperature,
		"stream":      stream,
	}
	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat http %d: %s", resp.StatusCode, string(data))
	}
	if stream {
		return &chatStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
	}
	// non-streaming: read once and return as a single chunk then done
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&out); err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.Body.Close()
	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	return llm.NewStaticStream(content), nil
}

// Embeddings implements llm.Embedder.
func (c *Client) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if model == "" {
		model = os.Getenv("DESKBOT_EMBEDDING_MODEL")
		if model == "" {
			model = defaultEmbedModel
		}
	}
	reqBody := map[string]any{
		"model": model,
		"input": inputs,
	}
	b, _ := json.Marshal(reqBody)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embeddings http %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	res := make([][]float32, 0, len(out.Data))
	for _, d := range out.Data {
		res = append(res, d.Embedding)
	}
	return res, nil
}

// ListModels fetches available model IDs via GET /models.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("models http %d: %s", resp.StatusCode, string(data))
	}
	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// do performs the HTTP request honoring the min request interval and retrying
// 429/5xx up to 3 times. Retry-After, when present, floors the backoff.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.waitGap()
	var resp *http.Response
	var err error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		resp, err = c.http.Do(req)
		c.touch()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 429 && resp.StatusCode/100 != 5 {
			return resp, nil
		}
		wait := backoff + time.Duration(attempt)*100*time.Millisecond
		if ra := retryAfter(resp); ra > wait {
			wait = ra
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if err := rewind(req); err != nil {
			return nil, err
		}
		time.Sleep(wait)
	}
	if err := rewind(req); err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

func (c *Client) waitGap() {
	if c.minGap <= 0 {
		return
	}
	c.mu.Lock()
	since := time.Since(c.lastReq)
	c.mu.Unlock()
	if since < c.minGap {
		time.Sleep(c.minGap - since)
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastReq = time.Now()
	c.mu.Unlock()
}

// rewind restores a consumed request body before a retry.
func rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return err
	}
	req.Body = body
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
