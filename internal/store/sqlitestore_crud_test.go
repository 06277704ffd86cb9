package store

import (
	"path/filepath"
	"testing"

	"deskbot/internal/models"
)

func TestDocumentCRUD(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "crud.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	d, chunks, _, err := s.UpsertDocument(models.Document{Path: "d.txt", Content: "hello world", Lang: "txt"})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d.ID == "" {
		t.Fatalf("empty document id")
	}
	if d.Title == "" {
		t.Fatalf("expected derived title")
	}

	if got, ok := s.GetDocument(d.ID); !ok || got.Path != "d.txt" {
		t.Fatalf("expected to get document by id, ok=%v got=%+v", ok, got)
	}
	if got, ok := s.GetDocumentByPath("d.txt"); !ok || got.ID != d.ID {
		t.Fatalf("expected to get document by path, ok=%v", ok)
	}
	if list := s.ListDocuments(); len(list) != 1 {
		t.Fatalf("expected 1 document listed, got %d", len(list))
	}
	if len(chunks) == 0 {
		t.Fatalf("expected chunks from upsert")
	}
	if res := s.Search("hello", 10); len(res) == 0 {
		t.Fatalf("expected search hit for 'hello'")
	}

	if err := s.DeleteDocument(d.ID); err != nil {
		t.Fatalf("DeleteDocument error: %v", err)
	}
	if _, ok := s.GetDocument(d.ID); ok {
		t.Fatalf("expected document to be deleted")
	}
	if res := s.Search("hello", 10); len(res) != 0 {
		t.Fatalf("expected no search hits after delete, got %d", len(res))
	}
}

func TestConversationAppendAndWindow(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "conv.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	c, err := s.CreateConversation("usr-1", "vpn trouble")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for _, m := range []struct{ role, text string }{
		{"user", "my vpn drops"},
		{"assistant", "which client version?"},
		{"user", "v2.1 on windows"},
	} {
		if _, err := s.AppendMessage(c.ID, m.role, m.text); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages(c.ID, 2)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected window of 2, got %d", len(msgs))
	}
	// window keeps the most recent messages in chronological order
	if msgs[0].Content != "which client version?" || msgs[1].Content != "v2.1 on windows" {
		t.Fatalf("unexpected window order: %+v", msgs)
	}

	all, _ := s.ListMessages(c.ID, 0)
	if len(all) != 3 {
		t.Fatalf("expected all 3 messages, got %d", len(all))
	}
}
