package models

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateContext_ShortStringUnchanged(t *testing.T) {
	if got := TruncateContext("  a short snippet  "); got != "a short snippet" {
		t.Errorf("TruncateContext = %q", got)
	}
}

func TestTruncateContext_CutsAtWordBoundary(t *testing.T) {
	long := strings.Repeat("word ", 100)
	got := TruncateContext(long)
	if n := utf8.RuneCountInString(got); n > MaxContextLen {
		t.Fatalf("rune count = %d, want <= %d", n, MaxContextLen)
	}
	if strings.HasSuffix(got, "wor") {
		t.Errorf("cut split a word: %q", got[len(got)-10:])
	}
}

func TestTruncateContext_CountsRunesNotBytes(t *testing.T) {
	// 300 two-byte runes with no spaces: a byte cut at 240 would split one.
	long := strings.Repeat("é", 300)
	got := TruncateContext(long)
	if !utf8.ValidString(got) {
		t.Fatal("truncation split a rune")
	}
	if n := utf8.RuneCountInString(got); n != MaxContextLen {
		t.Errorf("rune count = %d, want %d", n, MaxContextLen)
	}

	c := &Citation{
		MonitoringID:         "m-1",
		CitationURL:          "https://example.com/a",
		CitationCanonicalURL: "https://example.com/a",
		CitationContext:      got,
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate rejected a truncated context: %v", err)
	}
}

func TestValidate_ContextLimitIsRunes(t *testing.T) {
	c := &Citation{
		MonitoringID:         "m-1",
		CitationURL:          "https://example.com/a",
		CitationCanonicalURL: "https://example.com/a",
		CitationContext:      strings.Repeat("é", MaxContextLen+1),
	}
	if err := c.Validate(); err == nil {
		t.Error("expected validation error for context over the rune limit")
	}
}
