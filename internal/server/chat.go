package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"deskbot/internal/config"
	"deskbot/internal/llm"
	"deskbot/internal/logging"
	"deskbot/internal/models"
)

type chatRequest struct {
	Message        string        `json:"message"`
	Messages       []llm.Message `json:"messages"`
	ConversationID string        `json:"conversation_id"`
	Model          string        `json:"model"`
	Stream         bool          `json:"stream"`
	Temperature    float32       `json:"temperature"`
	Retrieval      struct {
		K int `json:"k"`
	} `json:"retrieval"`
}

// apiFailure carries an HTTP-shaped error out of shared chat preparation so
// the SSE and websocket paths can report it their own way.
type apiFailure struct {
	status  int
	code    string
	message string
}

// chatPlan is one prepared chat turn: the final prompt after history,
// retrieval context, and windowing; the sources cited; the conversation to
// persist into (nil when stateless); and the user message to record.
type chatPlan struct {
	msgs    []llm.Message
	sources []models.SearchResult
	conv    *models.Conversation
	userMsg string
	model   string
}

// prepareChat validates the request and assembles the prompt. A
// conversation_id of "new" starts a persisted conversation; any other
// non-empty id must already exist and its history is prepended before the
// incoming messages.
func (a *API) prepareChat(ctx context.Context, uid string, req chatRequest) (*chatPlan, *apiFailure) {
	msgs := req.Messages
	if len(msgs) == 0 && strings.TrimSpace(req.Message) != "" {
		msgs = []llm.Message{{Role: llm.RoleUser, Content: req.Message}}
	}
	if len(msgs) == 0 {
		return nil, &apiFailure{http.StatusBadRequest, "invalid_request", "message or messages required"}
	}

	plan := &chatPlan{userMsg: lastUserContent(msgs), model: req.Model}
	if plan.model == "" {
		plan.model = config.String("DESKBOT_CHAT_MODEL", "")
	}

	switch {
	case req.ConversationID == "":
	case req.ConversationID == "new":
		c, err := a.store.CreateConversation(uid, conversationTitle(plan.userMsg))
		if err != nil {
			return nil, &apiFailure{http.StatusInternalServerError, "internal_error", "conversation create failed"}
		}
		plan.conv = c
	default:
		c, ok := a.store.GetConversation(req.ConversationID)
		if !ok {
			return nil, &apiFailure{http.StatusNotFound, "not_found", "conversation not found"}
		}
		plan.conv = c
		if hist, err := a.store.ListMessages(c.ID, 50); err == nil && len(hist) > 0 {
			prior := make([]llm.Message, 0, len(hist))
			for _, m := range hist {
				prior = append(prior, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
			}
			msgs = append(prior, msgs...)
		}
	}

	msgs, plan.sources = a.withRAGContext(ctx, msgs, req.Retrieval.K)
	if plan.sources == nil {
		plan.sources = []models.SearchResult{}
	}
	plan.msgs = slidingWindow(msgs)
	return plan, nil
}

func lastUserContent(msgs []llm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == llm.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func conversationTitle(q string) string {
	t := strings.TrimSpace(q)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	if len(t) > 80 {
		t = t[:80]
	}
	return t
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if a.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "llm provider not configured")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "malformed request body")
		return
	}
	plan, fail := a.prepareChat(r.Context(), userID(r), req)
	if fail != nil {
		writeError(w, fail.status, fail.code, fail.message)
		return
	}
	metrics.mu.Lock()
	metrics.chatRequests++
	metrics.mu.Unlock()

	st, err := a.llm.Chat(r.Context(), plan.model, plan.msgs, req.Stream, req.Temperature)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
		return
	}
	defer st.Close()

	if req.Stream {
		a.streamSSE(w, st, plan)
		return
	}

	var buf strings.Builder
	for {
		delta, done, err := st.Recv()
		if err != nil {
			writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
			return
		}
		buf.WriteString(delta)
		if done {
			break
		}
	}
	reply := buf.String()
	metrics.mu.Lock()
	metrics.chatTokens += len(reply) / 4
	metrics.mu.Unlock()
	a.persistTurn(plan, reply)

	resp := map[string]any{
		"content": reply,
		"model":   plan.model,
		"sources": plan.sources,
	}
	if plan.conv != nil {
		resp["conversation_id"] = plan.conv.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamSSE writes the reply as server-sent events: optional conversation id
// first, then one token event per delta, then done with a rough usage
// estimate (~4 chars per token).
func (a *API) streamSSE(w http.ResponseWriter, st llm.ChatStream, plan *chatPlan) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	fl, _ := w.(http.Flusher)
	flush := func() {
		if fl != nil {
			fl.Flush()
		}
	}
	if plan.conv != nil {
		fmt.Fprintf(w, "event: conversation\n")
		fmt.Fprintf(w, "data: %s\n\n", jsonEscape(plan.conv.ID))
		flush()
	}
	var buf strings.Builder
	for {
		delta, done, err := st.Recv()
		if err != nil {
			fmt.Fprintf(w, "event: error\n")
			fmt.Fprintf(w, "data: %s\n\n", jsonEscape(err.Error()))
			flush()
			return
		}
		if delta != "" {
			buf.WriteString(delta)
			fmt.Fprintf(w, "event: token\n")
			fmt.Fprintf(w, "data: %s\n\n", jsonEscape(delta))
			flush()
		}
		if done {
			est := len(buf.String()) / 4
			fmt.Fprintf(w, "event: done\n")
			fmt.Fprintf(w, "data: {\"tokens\": %d}\n\n", est)
			flush()
			metrics.mu.Lock()
			metrics.chatTokens += est
			metrics.mu.Unlock()
			a.persistTurn(plan, buf.String())
			return
		}
	}
}

func (a *API) persistTurn(plan *chatPlan, reply string) {
	if plan.conv == nil {
		return
	}
	if plan.userMsg != "" {
		if _, err := a.store.AppendMessage(plan.conv.ID, "user", plan.userMsg); err != nil {
			logging.Sugar.Warnw("message persist failed", "conversation", plan.conv.ID, "err", err)
			return
		}
	}
	if reply != "" {
		if _, err := a.store.AppendMessage(plan.conv.ID, "assistant", reply); err != nil {
			logging.Sugar.Warnw("message persist failed", "conversation", plan.conv.ID, "err", err)
		}
	}
}

func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	if len(b) >= 2 {
		return string(b[1 : len(b)-1])
	}
	return string(b)
}

// slidingWindow trims conversation messages to fit a character budget,
// keeping system messages first and the most recent user/assistant turns.
func slidingWindow(messages []llm.Message) []llm.Message {
	max := config.Int("DESKBOT_CHAT_MAX_CHARS", 6000)
	if len(messages) == 0 || max <= 0 {
		return messages
	}
	var systems []llm.Message
	var rest []llm.Message
	for _, m := range messages {
		if m.Role == llm.RoleSystem {
			systems = append(systems, m)
		} else {
			rest = append(rest, m)
		}
	}
	budget := max
	for _, m := range systems {
		budget -= len(m.Content)
	}
	if budget <= 0 {
		return systems
	}
	picked := make([]llm.Message, 0, len(rest))
	total := 0
	for i := len(rest) - 1; i >= 0; i-- {
		c := len(rest[i].Content)
		if total+c > budget {
			break
		}
		picked = append(picked, rest[i])
		total += c
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	out := make([]llm.Message, 0, len(systems)+len(picked))
	out = append(out, systems...)
	out = append(out, picked...)
	return out
}

func ragInstruction() string {
	return "You are deskbot, the IT service desk assistant. Answer from the support context below and cite document titles with line ranges. When the context does not cover the question, say so and suggest opening a ticket.\n\n"
}

// withRAGContext retrieves grounding for the latest user question and
// prepends it as a system message. Overlapping line ranges from the same
// document are dropped and each document contributes at most two ranges, all
// within a byte budget.
func (a *API) withRAGContext(ctx context.Context, messages []llm.Message, k int) ([]llm.Message, []models.SearchResult) {
	var q string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			q = messages[i].Content
			break
		}
	}
	if strings.TrimSpace(q) == "" {
		return messages, nil
	}
	res, err := a.engine.Search(ctx, q, k)
	if err != nil || len(res) == 0 {
		return messages, nil
	}

	type rng struct{ s, e int }
	ranges := make(map[string][]rng)
	overlaps := func(docID string, s, e int) bool {
		for _, r := range ranges[docID] {
			if (e == 0 || r.e == 0) || !(e < r.s || r.e < s) {
				return true
			}
		}
		return false
	}

	budget := config.Int("DESKBOT_RAG_BUDGET", 3000)
	var b strings.Builder
	b.WriteString(ragInstruction())
	b.WriteString("Context:\n")
	used := make([]models.SearchResult, 0, len(res))
	for _, h := range res {
		if len(ranges[h.DocID]) >= 2 || overlaps(h.DocID, h.StartLine, h.EndLine) {
			continue
		}
		title := h.Title
		if title == "" {
			title = h.DocID
		}
		loc := title
		if h.StartLine > 0 && h.EndLine >= h.StartLine {
			loc = fmt.Sprintf("%s:%d-%d", title, h.StartLine, h.EndLine)
		}
		entry := "- [" + loc + "] " + strings.TrimSpace(h.Preview) + "\n"
		if b.Len()+len(entry) > budget {
			break
		}
		b.WriteString(entry)
		ranges[h.DocID] = append(ranges[h.DocID], rng{s: h.StartLine, e: h.EndLine})
		used = append(used, h)
	}
	if len(used) == 0 {
		return messages, nil
	}
	sys := llm.Message{Role: llm.RoleSystem, Content: b.String()}
	out := make([]llm.Message, 0, len(messages)+1)
	out = append(out, sys)
	out = append(out, messages...)
	return out, used
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	ID      string `json:"id,omitempty"`
	Tokens  int    `json:"tokens,omitempty"`
}

// handleChatWS streams chat over a websocket. Each JSON request on the
// socket produces {"type":"token"} frames terminated by {"type":"done"}; the
// socket stays open for follow-up turns.
func (a *API) handleChatWS(w http.ResponseWriter, r *http.Request) {
	if a.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "llm provider not configured")
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()
	uid := userID(r)
	for {
		var req chatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		a.chatOverWS(r.Context(), conn, uid, req)
	}
}

func (a *API) chatOverWS(ctx context.Context, conn *websocket.Conn, uid string, req chatRequest) {
	plan, fail := a.prepareChat(ctx, uid, req)
	if fail != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Content: fail.message})
		return
	}
	metrics.mu.Lock()
	metrics.chatRequests++
	metrics.mu.Unlock()

	st, err := a.llm.Chat(ctx, plan.model, plan.msgs, true, req.Temperature)
	if err != nil {
		_ = conn.WriteJSON(wsFrame{Type: "error", Content: err.Error()})
		return
	}
	defer st.Close()

	if plan.conv != nil {
		_ = conn.WriteJSON(wsFrame{Type: "conversation", ID: plan.conv.ID})
	}
	var buf strings.Builder
	for {
		delta, done, err := st.Recv()
		if err != nil {
			_ = conn.WriteJSON(wsFrame{Type: "error", Content: err.Error()})
			return
		}
		if delta != "" {
			buf.WriteString(delta)
			if err := conn.WriteJSON(wsFrame{Type: "token", Content: delta}); err != nil {
				return
			}
		}
		if done {
			est := len(buf.String()) / 4
			_ = conn.WriteJSON(wsFrame{Type: "done", Tokens: est})
			metrics.mu.Lock()
			metrics.chatTokens += est
			metrics.mu.Unlock()
			a.persistTurn(plan, buf.String())
			return
		}
	}
}
