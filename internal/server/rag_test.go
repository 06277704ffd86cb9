package server

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"deskbot/internal/llm"
	"deskbot/internal/models"
)

func seedDoc(t *testing.T, a *API, title, content string) string {
	t.Helper()
	res, err := a.engine.AddDocument(context.Background(), models.Document{
		Title:   title,
		Source:  "kb",
		Content: content,
	})
	if err != nil {
		t.Fatalf("seed %s: %v", title, err)
	}
	return res.DocID
}

func TestWithRAGContextBuildsSystemMessage(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	vpnID := seedDoc(t, a, "VPN runbook", "The vpn gateway drops idle sessions.\nRestart the client to recover.")
	seedDoc(t, a, "Printer runbook", "Paper jams clear from tray two.")

	msgs := []llm.Message{{Role: llm.RoleUser, Content: "vpn gateway drops"}}
	out, sources := a.withRAGContext(context.Background(), msgs, 5)
	if len(out) != 2 {
		t.Fatalf("got %d messages, want system + user", len(out))
	}
	if out[0].Role != llm.RoleSystem {
		t.Fatalf("first role=%s", out[0].Role)
	}
	if !strings.Contains(out[0].Content, "Context:") || !strings.Contains(out[0].Content, "VPN runbook") {
		t.Fatalf("context message:\n%s", out[0].Content)
	}
	if strings.Contains(out[0].Content, "Printer runbook") {
		t.Fatal("unrelated document leaked into context")
	}
	if len(sources) != 1 || sources[0].DocID != vpnID {
		t.Fatalf("sources=%+v", sources)
	}
	if out[1].Content != "vpn gateway drops" {
		t.Fatal("original message not preserved after context")
	}
}

func TestWithRAGContextRespectsBudget(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	seedDoc(t, a, "A", "Reset code is 0000. Use the reset code twice.")
	seedDoc(t, a, "B", "The reset code lives in the vault.")

	base := len(ragInstruction()) + len("Context:\n")
	t.Setenv("DESKBOT_RAG_BUDGET", strconv.Itoa(base+60))

	msgs := []llm.Message{{Role: llm.RoleUser, Content: "reset code"}}
	out, sources := a.withRAGContext(context.Background(), msgs, 5)
	if len(sources) != 1 {
		t.Fatalf("sources=%d, want budget to admit only the top hit", len(sources))
	}
	if sources[0].Title != "A" {
		t.Fatalf("top source=%q, want the doc with more matches", sources[0].Title)
	}
	if len(out[0].Content) > base+60 {
		t.Fatalf("context %d bytes exceeds budget %d", len(out[0].Content), base+60)
	}
}

func TestWithRAGContextNoHits(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	seedDoc(t, a, "VPN runbook", "The vpn gateway drops idle sessions.")

	msgs := []llm.Message{{Role: llm.RoleUser, Content: "kerberos golden ticket"}}
	out, sources := a.withRAGContext(context.Background(), msgs, 5)
	if len(out) != 1 || sources != nil {
		t.Fatalf("out=%d sources=%v, want passthrough", len(out), sources)
	}
}

func TestWithRAGContextSkipsWithoutUserMessage(t *testing.T) {
	a, _ := newTestAPI(t, nil)
	seedDoc(t, a, "VPN runbook", "The vpn gateway drops idle sessions.")

	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "be brief"}}
	out, sources := a.withRAGContext(context.Background(), msgs, 5)
	if len(out) != 1 || sources != nil {
		t.Fatal("no user question should mean no retrieval")
	}
}

func TestConversationTitle(t *testing.T) {
	if got := conversationTitle("  vpn drops hourly\nmore detail"); got != "vpn drops hourly" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 200)
	if got := conversationTitle(long); len(got) != 80 {
		t.Fatalf("len=%d, want 80", len(got))
	}
}

func TestLastUserContent(t *testing.T) {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: "rules"},
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "answer"},
		{Role: llm.RoleUser, Content: "second"},
	}
	if got := lastUserContent(msgs); got != "second" {
		t.Fatalf("got %q", got)
	}
	if got := lastUserContent(nil); got != "" {
		t.Fatalf("got %q for empty input", got)
	}
}
