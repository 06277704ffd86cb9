package store

import (
	"strings"
	"testing"
)

func TestChunkTokensEnvOverride(t *testing.T) {
	t.Setenv("DESKBOT_CHUNK_TOKENS", "5")
	t.Setenv("DESKBOT_CHUNK_OVERLAP", "0.2") // step=4

	maxTokens, overlap := chunkConfig(0)
	if maxTokens != 5 {
		t.Fatalf("expected env max tokens 5, got %d", maxTokens)
	}
	text := "one two three four five six seven eight nine ten"
	chunks := splitTokensWithOverlap(text, maxTokens, overlap, 1)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks with overlap, got %d", len(chunks))
	}
	// overlap means consecutive chunks share tokens
	if chunks[0].Text == chunks[1].Text {
		t.Fatalf("expected distinct overlapping chunks")
	}
}

func TestChunkDocHeadingsPreservedAndTokenized(t *testing.T) {
	t.Setenv("DESKBOT_CHUNK_TOKENS", "4")
	doc := "# Title\npara one two three four five\n\npara six seven eight nine ten\n"
	chunks := chunkDocWithLines(doc, 0)
	if len(chunks) < 2 {
		t.Fatalf("expected at least 2 chunks after tokenization, got %d", len(chunks))
	}
	for _, c := range chunks {
		if c.StartLine <= 0 || c.EndLine < c.StartLine {
			t.Fatalf("bad line range %d..%d", c.StartLine, c.EndLine)
		}
	}
}

func TestChunkSmartSplitsAtFunctionBoundaries(t *testing.T) {
	var b strings.Builder
	b.WriteString("func a() {\n")
	for i := 0; i < 60; i++ {
		b.WriteString("\tx := 1 // keep the buffer growing past the flush threshold\n")
	}
	b.WriteString("}\n")
	b.WriteString("func b() {\n\ty := 2\n\t_ = y\n}\n")

	chunks := chunkSmartWithLines(b.String(), "go", 0)
	if len(chunks) < 2 {
		t.Fatalf("expected split at func boundary, got %d chunks", len(chunks))
	}
	last := chunks[len(chunks)-1]
	if !strings.HasPrefix(last.Text, "func b()") {
		t.Fatalf("expected last chunk to start at func b, got %q", last.Text[:min(40, len(last.Text))])
	}
}
