package models

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// VerificationStatus tracks whether a citation URL has been confirmed
// reachable.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// ScanStatus tracks the citation's position in the processing pipeline.
type ScanStatus string

const (
	ScanNotScanned    ScanStatus = "not_scanned"
	ScanScanning      ScanStatus = "scanning"
	ScanScanned       ScanStatus = "scanned"
	ScanScannedDenied ScanStatus = "scanned_denied"
)

// RelevanceDecision is the terminal verdict for a citation. Empty string
// means undecided.
type RelevanceDecision string

const (
	DecisionNone   RelevanceDecision = ""
	DecisionSaved  RelevanceDecision = "saved"
	DecisionDenied RelevanceDecision = "denied"
)

// CitationSection identifies which part of the Wikipedia page the citation
// came from.
type CitationSection string

const (
	SectionReferences     CitationSection = "references"
	SectionFurtherReading CitationSection = "further_reading"
	SectionExternalLinks  CitationSection = "external_links"
	SectionUnknown        CitationSection = "unknown"
)

// ExtractionMethod records which extraction tier produced the content text.
type ExtractionMethod string

const (
	MethodReadability      ExtractionMethod = "readability"
	MethodContentExtractor ExtractionMethod = "content_extractor"
	MethodFallback         ExtractionMethod = "fallback"
	MethodPDFText          ExtractionMethod = "pdf_text"
	MethodInsufficient     ExtractionMethod = "insufficient"
)

// MaxContextLen caps the surrounding-text snippet stored with a citation.
const MaxContextLen = 240

// Citation is an external reference extracted from a monitored Wikipedia
// page. (monitoring_id, citation_canonical_url) is unique. State transitions
// are driven by the citation store only; rows are never deleted.
type Citation struct {
	ID           string `json:"id"`
	MonitoringID string `json:"monitoring_id"`

	CitationURL          string          `json:"citation_url"`
	CitationCanonicalURL string          `json:"citation_canonical_url"`
	CitationTitle        string          `json:"citation_title,omitempty"`
	CitationContext      string          `json:"citation_context,omitempty"`
	Section              CitationSection `json:"section"`
	SourceNumber         int             `json:"source_number,omitempty"`

	VerificationStatus VerificationStatus `json:"verification_status"`
	ScanStatus         ScanStatus         `json:"scan_status"`
	RelevanceDecision  RelevanceDecision  `json:"relevance_decision,omitempty"`
	AIPriorityScore    *int               `json:"ai_priority_score,omitempty"`
	ContentText        string             `json:"content_text,omitempty"`
	ExtractionMethod   ExtractionMethod   `json:"extraction_method,omitempty"`
	LastScannedAt      *time.Time         `json:"last_scanned_at,omitempty"`
	Attempts           int                `json:"attempts"`
	ErrorCode          string             `json:"error_code,omitempty"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	SavedContentID     string             `json:"saved_content_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the citation has reached a final decision.
func (c *Citation) Terminal() bool {
	return c.RelevanceDecision == DecisionSaved || c.RelevanceDecision == DecisionDenied
}

// Validate checks invariants that must hold on every persisted row.
func (c *Citation) Validate() error {
	if strings.TrimSpace(c.MonitoringID) == "" {
		return fmt.Errorf("monitoring ID is required")
	}
	if strings.TrimSpace(c.CitationURL) == "" {
		return fmt.Errorf("citation URL is required")
	}
	if strings.TrimSpace(c.CitationCanonicalURL) == "" {
		return fmt.Errorf("canonical URL is required")
	}
	if utf8.RuneCountInString(c.CitationContext) > MaxContextLen {
		return fmt.Errorf("citation context exceeds %d characters", MaxContextLen)
	}
	if c.AIPriorityScore != nil && (*c.AIPriorityScore < 0 || *c.AIPriorityScore > 100) {
		return fmt.Errorf("ai priority score must be in [0,100]")
	}
	if (c.RelevanceDecision == DecisionSaved) != (c.SavedContentID != "") {
		return fmt.Errorf("saved decision and saved_content_id must be set together")
	}
	if c.ScanStatus == ScanScannedDenied && c.RelevanceDecision != DecisionDenied {
		return fmt.Errorf("scanned_denied requires a denied decision")
	}
	return nil
}

// TruncateContext trims s to MaxContextLen runes without splitting words
// where possible.
func TruncateContext(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= MaxContextLen {
		return s
	}
	cut := runes[:MaxContextLen]
	for i := len(cut) - 1; i > MaxContextLen/2; i-- {
		if cut[i] == ' ' {
			cut = cut[:i]
			break
		}
	}
	return string(cut)
}
