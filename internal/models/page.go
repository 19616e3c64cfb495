package models

import "time"

// MonitoredWikipediaPage is a Wikipedia article flagged for ongoing citation
// extraction under a patch. Rows are seeded by the monitoring bootstrap;
// the extraction path only flips the extraction bookkeeping fields.
// (patch_id, wikipedia_title) is unique.
type MonitoredWikipediaPage struct {
	ID                 string     `json:"id"`
	PatchID            string     `json:"patch_id"`
	WikipediaTitle     string     `json:"wikipedia_title"`
	WikipediaURL       string     `json:"wikipedia_url"`
	CitationsExtracted bool       `json:"citations_extracted"`
	LastExtractedAt    *time.Time `json:"last_extracted_at,omitempty"`
	CitationCount      int        `json:"citation_count"`
}
