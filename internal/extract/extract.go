// Package extract pulls readable title and body text out of fetched
// documents. HTML goes through three tiers, readability-style dominant-node
// selection, heuristic main-content selection, then a boilerplate-stripping
// fallback, until one yields enough text. PDFs are read via their text
// layer.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/patchscout/patchscout/internal/metrics"
	"github.com/patchscout/patchscout/internal/models"
)

// Result is the outcome of extraction. Method is models.MethodInsufficient
// when no tier produced at least minBytes of text.
type Result struct {
	Title  string
	Text   string
	Length int
	Method models.ExtractionMethod
}

// DefaultMinBytes is the minimum amount of extracted text considered usable.
const DefaultMinBytes = 500

var (
	boilerplateSelector = "script, style, nav, footer, header, aside, form, iframe, noscript, " +
		".sidebar, #sidebar, .ad, .advertisement, .popup, .modal, .cookie-banner"
	multiNewline = regexp.MustCompile(`\n{2,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
)

// Extract runs the tiers in order until one returns at least minBytes of
// text. A minBytes of 0 uses DefaultMinBytes.
func Extract(body []byte, contentType, url string, minBytes int) Result {
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}

	if isPDF(contentType, url) {
		res := extractPDF(body, minBytes)
		metrics.ExtractionsTotal.WithLabelValues(string(res.Method)).Inc()
		return res
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		res := Result{Method: models.MethodInsufficient}
		metrics.ExtractionsTotal.WithLabelValues(string(res.Method)).Inc()
		return res
	}

	title := extractTitle(doc)

	tiers := []struct {
		method models.ExtractionMethod
		fn     func(*goquery.Document) string
	}{
		{models.MethodReadability, readabilityTier},
		{models.MethodContentExtractor, contentExtractorTier},
		{models.MethodFallback, fallbackTier},
	}

	for _, tier := range tiers {
		text := cleanText(tier.fn(doc))
		if len(text) >= minBytes {
			res := Result{Title: title, Text: text, Length: len(text), Method: tier.method}
			metrics.ExtractionsTotal.WithLabelValues(string(res.Method)).Inc()
			return res
		}
	}

	res := Result{Title: title, Method: models.MethodInsufficient}
	metrics.ExtractionsTotal.WithLabelValues(string(res.Method)).Inc()
	return res
}

func isPDF(contentType, url string) bool {
	return strings.Contains(contentType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(strings.SplitN(url, "?", 2)[0]), ".pdf")
}

// extractTitle tries head title, then OpenGraph, then the first h1.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if og, ok := doc.Find("meta[property='og:title']").Attr("content"); ok && strings.TrimSpace(og) != "" {
		return strings.TrimSpace(og)
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// readabilityTier picks the dominant article node: the candidate container
// whose paragraph text is longest.
func readabilityTier(doc *goquery.Document) string {
	work := cloneWithoutBoilerplate(doc)

	var best string
	work.Find("article, main, [role='main'], .entry-content, .post-content, .article-body").
		Each(func(_ int, s *goquery.Selection) {
			text := blockText(s)
			if len(text) > len(best) {
				best = text
			}
		})
	return best
}

// contentExtractorTier falls back to generic content containers, then the
// densest cluster of paragraphs anywhere in the body.
func contentExtractorTier(doc *goquery.Document) string {
	work := cloneWithoutBoilerplate(doc)

	var best string
	work.Find(".main-content, .post-body, .content, #content").Each(func(_ int, s *goquery.Selection) {
		text := blockText(s)
		if len(text) > len(best) {
			best = text
		}
	})
	if best != "" {
		return best
	}

	// Largest <p> cluster: group paragraphs by parent, keep the biggest.
	clusters := make(map[*goquery.Selection]int)
	var parents []*goquery.Selection
	work.Find("p").Each(func(_ int, p *goquery.Selection) {
		parent := p.Parent()
		found := false
		for _, existing := range parents {
			if existing.Length() > 0 && parent.Length() > 0 &&
				existing.Nodes[0] == parent.Nodes[0] {
				clusters[existing] += len(strings.TrimSpace(p.Text()))
				found = true
				break
			}
		}
		if !found {
			parents = append(parents, parent)
			clusters[parent] = len(strings.TrimSpace(p.Text()))
		}
	})
	var bestParent *goquery.Selection
	bestLen := 0
	for parent, n := range clusters {
		if n > bestLen {
			bestParent, bestLen = parent, n
		}
	}
	if bestParent != nil {
		return blockText(bestParent)
	}
	return ""
}

// fallbackTier takes everything left in the body after boilerplate removal.
func fallbackTier(doc *goquery.Document) string {
	work := cloneWithoutBoilerplate(doc)
	return blockText(work.Find("body"))
}

// cloneWithoutBoilerplate returns a copy of the document with non-content
// elements removed, so tiers don't destroy each other's input.
func cloneWithoutBoilerplate(doc *goquery.Document) *goquery.Document {
	html, err := doc.Html()
	if err != nil {
		return doc
	}
	clone, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return doc
	}
	clone.Find(boilerplateSelector).Remove()
	return clone
}

// blockText walks block-level elements preserving paragraph breaks.
func blockText(s *goquery.Selection) string {
	var b strings.Builder
	s.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre").Each(func(_ int, item *goquery.Selection) {
		t := strings.TrimSpace(item.Text())
		if t == "" {
			return
		}
		b.WriteString(t)
		b.WriteString("\n\n")
	})
	if b.Len() == 0 {
		return strings.TrimSpace(s.Text())
	}
	return b.String()
}

func cleanText(s string) string {
	s = multiSpace.ReplaceAllString(s, " ")
	s = multiNewline.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
