// Package citations parses a Wikipedia article's HTML into external
// reference candidates: one record per unique external URL, tagged with the
// page section it came from. Wiki-internal, Wikimedia and malformed links
// are dropped here so only processable citations reach the store.
package citations

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/patchscout/patchscout/internal/canonical"
	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// Parsed is a citation candidate extracted from a page.
type Parsed struct {
	URL          string
	CanonicalURL string
	Title        string
	Context      string
	Section      models.CitationSection
	SourceNumber int
}

// Parse extracts external citations from pageHTML. Results are unique by
// canonical URL; the first occurrence of a URL wins, so a reference listed
// in both the References section and External links keeps its reference
// ordinal.
func Parse(pageHTML, pageURL string) []Parsed {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	var out []Parsed
	seen := make(map[string]bool)

	add := func(rawURL, title, context string, section models.CitationSection, ordinal int) {
		res := canonical.Canonicalize(rawURL)
		if res.Classification != canonical.External {
			return
		}
		if seen[res.URL] {
			return
		}
		seen[res.URL] = true
		out = append(out, Parsed{
			URL:          rawURL,
			CanonicalURL: res.URL,
			Title:        strings.TrimSpace(title),
			Context:      models.TruncateContext(context),
			Section:      section,
			SourceNumber: ordinal,
		})
		metrics.CitationsExtractedTotal.WithLabelValues(string(section)).Inc()
	}

	// Numbered references: <ol class="references"><li id="cite_note-…">.
	doc.Find("ol.references > li").Each(func(i int, li *goquery.Selection) {
		li.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			if !strings.HasPrefix(href, "http") {
				return
			}
			add(href, a.Text(), li.Text(), models.SectionReferences, i+1)
		})
	})

	// Section lists: Further reading and External links.
	forSection(doc, "Further_reading", "Further reading", func(a *goquery.Selection, context string) {
		href, _ := a.Attr("href")
		add(href, a.Text(), context, models.SectionFurtherReading, 0)
	})
	forSection(doc, "External_links", "External links", func(a *goquery.Selection, context string) {
		href, _ := a.Attr("href")
		add(href, a.Text(), context, models.SectionExternalLinks, 0)
	})

	// Anything else marked as an external link in the article body.
	doc.Find("a.external[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		add(href, a.Text(), a.Parent().Text(), models.SectionUnknown, 0)
	})

	return out
}

// forSection finds the heading with the given id (or text) and walks its
// sibling lists up to the next heading, yielding every http(s) anchor.
func forSection(doc *goquery.Document, headingID, headingText string, fn func(a *goquery.Selection, context string)) {
	doc.Find("h2, h3").Each(func(_ int, h *goquery.Selection) {
		if !headingMatches(h, headingID, headingText) {
			return
		}
		// Modern skins wrap headings in <div class="mw-heading">; walk
		// siblings of the wrapper when present.
		start := h
		if p := h.Parent(); p.HasClass("mw-heading") {
			start = p
		}
		start.NextUntil("h2, h3, .mw-heading").Each(func(_ int, sib *goquery.Selection) {
			sib.Find("li").Each(func(_ int, li *goquery.Selection) {
				li.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
					href, _ := a.Attr("href")
					if !strings.HasPrefix(href, "http") {
						return
					}
					fn(a, li.Text())
				})
			})
		})
	})
}

func headingMatches(h *goquery.Selection, id, text string) bool {
	if hid, ok := h.Attr("id"); ok && hid == id {
		return true
	}
	if span := h.Find("span.mw-headline"); span.Length() > 0 {
		if sid, ok := span.Attr("id"); ok && sid == id {
			return true
		}
		if strings.EqualFold(strings.TrimSpace(span.Text()), text) {
			return true
		}
	}
	return strings.EqualFold(strings.TrimSpace(h.Text()), text)
}
