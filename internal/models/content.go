package models

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ContentCategory classifies where a DiscoveredContent record came from.
type ContentCategory string

const (
	CategoryArticle           ContentCategory = "article"
	CategoryBook              ContentCategory = "book"
	CategoryWikipediaCitation ContentCategory = "wikipedia_citation"
)

// MaxSummaryLen caps the stored summary.
const MaxSummaryLen = 500

// DiscoveredContent is a canonicalized, dedup-checked content record.
// (patch_id, canonical_url) is unique; both fields are immutable after
// insert. Title, summary, text and metadata may be updated by later passes.
type DiscoveredContent struct {
	ID             string            `json:"id"`
	PatchID        string            `json:"patch_id"`
	SourceURL      string            `json:"source_url"`
	CanonicalURL   string            `json:"canonical_url"`
	Domain         string            `json:"domain"`
	Title          string            `json:"title"`
	Summary        string            `json:"summary"`
	TextContent    string            `json:"text_content"`
	Category       ContentCategory   `json:"category"`
	ContentHash    string            `json:"content_hash"`
	RelevanceScore float64           `json:"relevance_score"`
	QualityScore   float64           `json:"quality_score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Validate checks invariants for a row about to be persisted.
func (d *DiscoveredContent) Validate() error {
	if strings.TrimSpace(d.PatchID) == "" {
		return fmt.Errorf("patch ID is required")
	}
	if strings.TrimSpace(d.CanonicalURL) == "" {
		return fmt.Errorf("canonical URL is required")
	}
	if len(d.Summary) > MaxSummaryLen {
		return fmt.Errorf("summary exceeds %d characters", MaxSummaryLen)
	}
	if d.RelevanceScore < 0 || d.RelevanceScore > 1 {
		return fmt.Errorf("relevance score must be in [0,1]")
	}
	if d.QualityScore < 0 || d.QualityScore > 1 {
		return fmt.Errorf("quality score must be in [0,1]")
	}
	return nil
}

// ComputeContentHash returns the stable 128-bit blake2b digest over
// title, summary and text, hex-encoded. NUL separators keep field
// boundaries unambiguous.
func ComputeContentHash(title, summary, text string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(summary))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// Summarize derives a summary from the full text: the first MaxSummaryLen
// characters, cut at a sentence or word boundary when one is close enough.
func Summarize(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= MaxSummaryLen {
		return text
	}
	cut := text[:MaxSummaryLen]
	if i := strings.LastIndexByte(cut, '.'); i > MaxSummaryLen/2 {
		return cut[:i+1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > MaxSummaryLen/2 {
		return cut[:i]
	}
	return cut
}
