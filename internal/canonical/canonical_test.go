package canonical

import "testing"

func TestCanonicalize_StripsTrackingAndSortsQuery(t *testing.T) {
	got := Canonicalize("https://www.Example.com/a//b/?utm_source=x&b=2&a=1&fbclid=abc#frag")
	want := "https://example.com/a/b?a=1&b=2"
	if got.URL != want {
		t.Errorf("URL = %q, want %q", got.URL, want)
	}
	if got.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", got.Host)
	}
	if got.Classification != External {
		t.Errorf("Classification = %q, want external", got.Classification)
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []string{
		"https://www.example.com/a//b/?utm_source=x&b=2&a=1",
		"http://news.site.org/story?id=5&ref=tw",
		"https://example.com",
		"https://example.com/path/",
	}
	for _, in := range inputs {
		once := Canonicalize(in)
		twice := Canonicalize(once.URL)
		if once.URL != twice.URL {
			t.Errorf("not idempotent: %q -> %q -> %q", in, once.URL, twice.URL)
		}
		if once.Classification != twice.Classification {
			t.Errorf("classification changed on %q: %q -> %q", in, once.Classification, twice.Classification)
		}
	}
}

func TestCanonicalize_Classification(t *testing.T) {
	cases := []struct {
		in   string
		want Classification
	}{
		{"https://en.wikipedia.org/wiki/Go_(programming_language)", WikipediaInternal},
		{"/wiki/Go_(programming_language)", WikipediaInternal},
		{"./Go_(programming_language)", WikipediaInternal},
		{"https://commons.wikimedia.org/wiki/File:Gopher.png", Wikimedia},
		{"https://www.wikidata.org/wiki/Q37227", Wikimedia},
		{"https://golang.org/doc", External},
		{"ftp://example.com/file", Blocked},
		{"not a url at all \x7f://", Blocked},
		{"mailto:someone@example.com", Blocked},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in); got.Classification != c.want {
			t.Errorf("Canonicalize(%q).Classification = %q, want %q", c.in, got.Classification, c.want)
		}
	}
}

func TestCanonicalize_RootSlashKept(t *testing.T) {
	got := Canonicalize("https://example.com/")
	if got.URL != "https://example.com/" {
		t.Errorf("URL = %q, want root slash preserved", got.URL)
	}
}

func TestCanonicalize_DropsFragmentKeepsPort(t *testing.T) {
	got := Canonicalize("https://example.com:8443/docs#section-2")
	if got.URL != "https://example.com:8443/docs" {
		t.Errorf("URL = %q", got.URL)
	}
}
