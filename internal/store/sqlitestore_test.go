package store

import (
	"path/filepath"
	"testing"

	"deskbot/internal/models"
)

func TestSQLiteSearchFindsIngestedText(t *testing.T) {
	dir := t.TempDir()
	dbpath := filepath.Join(dir, "test.db")
	s, err := NewSQLite(dbpath)
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	if _, _, _, err := s.UpsertDocument(models.Document{Path: "vpn.md", Content: "VPN drops every hour on the guest network", Lang: "md"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, _, err := s.UpsertDocument(models.Document{Path: "printer.md", Content: "printer queue stuck after driver update", Lang: "md"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got := s.Search("VPN drops every hour", 5)
	if len(got) == 0 {
		t.Fatalf("expected search hit for ingested text")
	}
	if got[0].Title == "" {
		t.Fatalf("expected title on result, got %+v", got[0])
	}
	if got[0].Score <= 0 {
		t.Fatalf("expected positive relevance score, got %f", got[0].Score)
	}

	// punctuation in the query must not break FTS syntax
	if got := s.Search(`why does the "VPN" drop (every hour)?`, 5); len(got) == 0 {
		t.Fatalf("expected hit for punctuated query")
	}

	if got := s.Search("kubernetes", 5); len(got) != 0 {
		t.Fatalf("expected 0 results for absent term, got %d", len(got))
	}
}

func TestSQLiteUpsertShaShortCircuits(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "sha.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	d1, chunks, changed, err := s.UpsertDocument(models.Document{Path: "a.txt", Content: "alpha beta", SHA: "sha1", Lang: "txt"})
	if err != nil || !changed || len(chunks) == 0 {
		t.Fatalf("first upsert: changed=%v chunks=%d err=%v", changed, len(chunks), err)
	}

	d2, chunks2, changed2, err := s.UpsertDocument(models.Document{Path: "a.txt", Content: "alpha beta", SHA: "sha1", Lang: "txt"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if changed2 || chunks2 != nil {
		t.Fatalf("expected sha match to short-circuit, changed=%v chunks=%d", changed2, len(chunks2))
	}
	if d2.ID != d1.ID {
		t.Fatalf("expected stable document id, got %s vs %s", d2.ID, d1.ID)
	}
}

func TestSQLiteUpsertUpdatesContent(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "test2.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	if _, _, _, err := s.UpsertDocument(models.Document{Path: "a.txt", Content: "alpha", SHA: "sha1", Lang: "txt"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := s.Search("delta", 10); len(got) != 0 {
		t.Fatalf("expected 0 results before update, got %d", len(got))
	}

	d, _, changed, err := s.UpsertDocument(models.Document{Path: "a.txt", Content: "alpha delta", SHA: "sha2", Lang: "txt"})
	if err != nil || !changed {
		t.Fatalf("update upsert: changed=%v err=%v", changed, err)
	}
	if got := s.Search("delta", 10); len(got) == 0 {
		t.Fatalf("expected results after update")
	}
	if got := s.Search("delta", 10); len(got) > 0 && got[0].DocID != d.ID {
		t.Fatalf("expected updated doc in results, got %+v", got[0])
	}
}

func TestSQLiteUserLifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLite(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer s.DB().Close()

	u, err := s.CreateUser("Admin@Example.com", "Admin", models.RoleAdmin, "hash1")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Email != "admin@example.com" {
		t.Fatalf("expected lowercased email, got %s", u.Email)
	}

	if _, err := s.CreateUser("admin@example.com", "Dup", models.RoleAgent, "hash2"); err != ErrEmailExists {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}

	got, ok := s.GetUserByEmail("ADMIN@example.com")
	if !ok || got.ID != u.ID {
		t.Fatalf("expected case-insensitive email lookup, ok=%v", ok)
	}
	if got.Role != models.RoleAdmin {
		t.Fatalf("expected admin role, got %s", got.Role)
	}
	if got.LastLoginAt != nil {
		t.Fatalf("expected nil last login before first touch")
	}

	if err := s.TouchLastLogin(u.ID); err != nil {
		t.Fatalf("TouchLastLogin: %v", err)
	}
	got, _ = s.GetUser(u.ID)
	if got.LastLoginAt == nil {
		t.Fatalf("expected last login set after touch")
	}

	if n := s.CountUsers(); n != 1 {
		t.Fatalf("expected 1 user, got %d", n)
	}
}
