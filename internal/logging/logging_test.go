package logging

import "testing"

func TestMask(t *testing.T) {
	if got := Mask("abcd1234efgh"); got != "abcd***efgh" {
		t.Fatalf("mask: %q", got)
	}
	if got := Mask("short"); got != "***" {
		t.Fatalf("short values must be fully hidden: %q", got)
	}
	if got := Mask(""); got != "" {
		t.Fatalf("empty in, empty out: %q", got)
	}
}

func TestMaskIfSecret(t *testing.T) {
	cases := map[string]string{
		"Bearer 0123456789abcdef0123": "Bearer 0123***0123",
		"sk-bcd1234efgh":              "sk-b***efgh",
		"hello":                       "hello",
	}
	for in, want := range cases {
		if got := MaskIfSecret(in); got != want {
			t.Fatalf("MaskIfSecret(%q) = %q, want %q", in, got, want)
		}
	}
	long := "a_very_long_opaque_value_000111"
	if got := MaskIfSecret(long); got == long {
		t.Fatalf("long opaque value should be masked: %q", got)
	}
}
