package citations

import (
	"fmt"
	"strings"
	"testing"

	"github.com/patchscout/patchscout/internal/models"
)

func refPage() string {
	var refs strings.Builder
	for i := 1; i <= 100; i++ {
		var href string
		switch {
		case i <= 20:
			// Wiki-internal, must be dropped.
			href = fmt.Sprintf("https://en.wikipedia.org/wiki/Article_%d", i)
		case i == 21:
			href = "ht!tp://not a url"
		default:
			href = fmt.Sprintf("https://site%d.example.com/paper", i)
		}
		refs.WriteString(fmt.Sprintf(
			`<li id="cite_note-%d">Smith, J. (2020). <a href=%q>Source %d</a>. Journal of Things.</li>`,
			i, href, i))
	}
	return `<html><body>
		<h2 id="References">References</h2>
		<ol class="references">` + refs.String() + `</ol>
		<h2 id="Further_reading"><span class="mw-headline" id="Further_reading">Further reading</span></h2>
		<ul><li><a href="https://books.example.org/deep-dive">Deep Dive</a>, 2019.</li></ul>
		<h2 id="External_links">External links</h2>
		<ul>
			<li><a class="external" href="https://official.example.net/">Official site</a></li>
			<li><a href="https://commons.wikimedia.org/wiki/Category:Things">Media</a></li>
		</ul>
	</body></html>`
}

func TestParse_FiltersInternalAndMalformed(t *testing.T) {
	parsed := Parse(refPage(), "https://en.wikipedia.org/wiki/Topic")

	var refs, further, external int
	for _, p := range parsed {
		switch p.Section {
		case models.SectionReferences:
			refs++
		case models.SectionFurtherReading:
			further++
		case models.SectionExternalLinks:
			external++
		}
		if strings.Contains(p.CanonicalURL, "wikipedia.org") ||
			strings.Contains(p.CanonicalURL, "wikimedia.org") {
			t.Errorf("wiki link leaked through: %s", p.CanonicalURL)
		}
	}
	if refs != 79 {
		t.Errorf("references = %d, want 79 (100 minus 20 internal minus 1 malformed)", refs)
	}
	if further != 1 {
		t.Errorf("further reading = %d, want 1", further)
	}
	if external != 1 {
		t.Errorf("external links = %d, want 1", external)
	}
}

func TestParse_ReferenceOrdinalsAndContext(t *testing.T) {
	parsed := Parse(refPage(), "https://en.wikipedia.org/wiki/Topic")

	var first *Parsed
	for i := range parsed {
		if parsed[i].Section == models.SectionReferences {
			first = &parsed[i]
			break
		}
	}
	if first == nil {
		t.Fatal("no reference citations parsed")
	}
	// First 21 list items hold internal or malformed links, so the first
	// surviving reference is ordinal 22.
	if first.SourceNumber != 22 {
		t.Errorf("SourceNumber = %d, want 22", first.SourceNumber)
	}
	if first.Title != "Source 22" {
		t.Errorf("Title = %q", first.Title)
	}
	if !strings.Contains(first.Context, "Journal of Things") {
		t.Errorf("Context = %q, want surrounding reference text", first.Context)
	}
}

func TestParse_DuplicateURLsKeepFirstOccurrence(t *testing.T) {
	html := `<html><body>
		<h2 id="References">References</h2>
		<ol class="references">
			<li><a href="https://example.com/paper">Paper</a></li>
		</ol>
		<h2 id="External_links">External links</h2>
		<ul><li><a href="https://example.com/paper?utm_source=feed">Paper again</a></li></ul>
	</body></html>`

	parsed := Parse(html, "https://en.wikipedia.org/wiki/Topic")
	if len(parsed) != 1 {
		t.Fatalf("parsed %d citations, want 1", len(parsed))
	}
	if parsed[0].Section != models.SectionReferences || parsed[0].SourceNumber != 1 {
		t.Errorf("kept %s ordinal %d, want first occurrence in references",
			parsed[0].Section, parsed[0].SourceNumber)
	}
}

func TestParse_ContextTruncated(t *testing.T) {
	long := strings.Repeat("context ", 100)
	html := `<html><body><ol class="references"><li>` + long +
		`<a href="https://example.com/x">X</a></li></ol></body></html>`

	parsed := Parse(html, "https://en.wikipedia.org/wiki/Topic")
	if len(parsed) != 1 {
		t.Fatalf("parsed %d, want 1", len(parsed))
	}
	if len(parsed[0].Context) > models.MaxContextLen {
		t.Errorf("Context length = %d, want <= %d", len(parsed[0].Context), models.MaxContextLen)
	}
}

func TestParse_ModernHeadingWrapper(t *testing.T) {
	html := `<html><body>
		<div class="mw-heading"><h2 id="External_links">External links</h2></div>
		<ul><li><a href="https://example.org/site">Site</a></li></ul>
		<div class="mw-heading"><h2 id="Notes">Notes</h2></div>
		<ul><li><a href="https://example.org/after-section">After</a></li></ul>
	</body></html>`

	parsed := Parse(html, "https://en.wikipedia.org/wiki/Topic")
	sections := make(map[string]models.CitationSection)
	for _, p := range parsed {
		sections[p.CanonicalURL] = p.Section
	}
	if sections["https://example.org/site"] != models.SectionExternalLinks {
		t.Errorf("in-section link classified as %s", sections["https://example.org/site"])
	}
	if s, ok := sections["https://example.org/after-section"]; ok && s == models.SectionExternalLinks {
		t.Error("link after next heading should not be in external links section")
	}
}
