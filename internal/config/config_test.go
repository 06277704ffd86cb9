package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAndApplyFillsUnsetOnly(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".deskbot")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	yaml := "DESKBOT_CHAT_MODEL: llama-3.1-8b\ndeskbot_chunk_tokens: 256\nDESKBOT_AUTH_DISABLE: true\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DESKBOT_CHAT_MODEL", "qwen2.5")
	t.Setenv("DESKBOT_CHUNK_TOKENS", "")
	t.Setenv("DESKBOT_AUTH_DISABLE", "")

	if err := LoadAndApply(); err != nil {
		t.Fatalf("LoadAndApply: %v", err)
	}
	if got := os.Getenv("DESKBOT_CHAT_MODEL"); got != "qwen2.5" {
		t.Fatalf("env must win over file: %q", got)
	}
	if got := os.Getenv("DESKBOT_CHUNK_TOKENS"); got != "256" {
		t.Fatalf("case-insensitive file key should fill unset env: %q", got)
	}
	if got := os.Getenv("DESKBOT_AUTH_DISABLE"); got != "true" {
		t.Fatalf("bool file value should stringify: %q", got)
	}
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("DESKBOT_CHUNK_TOKENS", "512")
	if got := Int("DESKBOT_CHUNK_TOKENS", 400); got != 512 {
		t.Fatalf("Int: %d", got)
	}
	t.Setenv("DESKBOT_CHUNK_TOKENS", "not-a-number")
	if got := Int("DESKBOT_CHUNK_TOKENS", 400); got != 400 {
		t.Fatalf("Int fallback on parse error: %d", got)
	}

	t.Setenv("DESKBOT_HYBRID_ALPHA", "0.7")
	if got := Float("DESKBOT_HYBRID_ALPHA", 0.5); got != 0.7 {
		t.Fatalf("Float: %v", got)
	}
	if got := Float("DESKBOT_NO_SUCH_KEY", 0.5); got != 0.5 {
		t.Fatalf("Float fallback: %v", got)
	}

	t.Setenv("DESKBOT_AUTH_DISABLE", "yes")
	if !Bool("DESKBOT_AUTH_DISABLE", false) {
		t.Fatal("Bool should accept yes")
	}
	t.Setenv("DESKBOT_AUTH_DISABLE", "maybe")
	if Bool("DESKBOT_AUTH_DISABLE", false) {
		t.Fatal("Bool fallback on junk")
	}

	t.Setenv("DESKBOT_SERVER_URL", "  ")
	if got := String("DESKBOT_SERVER_URL", "http://127.0.0.1:8080"); got != "http://127.0.0.1:8080" {
		t.Fatalf("String should treat blank as unset: %q", got)
	}
}
