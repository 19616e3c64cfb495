// Package canonical normalizes URLs to stable dedup keys and classifies
// their hosts. Canonicalization is idempotent: applying it to its own
// output yields the same result.
package canonical

import (
	"net/url"
	"sort"
	"strings"
)

// Classification buckets a URL by host.
type Classification string

const (
	// External is a regular external reference, eligible for processing.
	External Classification = "external"
	// WikipediaInternal is a link back into Wikipedia itself.
	WikipediaInternal Classification = "wikipedia_internal"
	// Wikimedia covers sister Wikimedia/Wikidata properties.
	Wikimedia Classification = "wikimedia"
	// Blocked marks malformed or non-http(s) URLs. Blocked URLs are never
	// processed.
	Blocked Classification = "blocked"
)

// Result is the outcome of canonicalization. Canonicalize never fails;
// malformed input comes back with Classification Blocked.
type Result struct {
	URL            string
	Host           string
	Classification Classification
}

// Query keys that only carry tracking state and never affect content.
var trackedKeys = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"ref":     true,
	"ref_src": true,
}

var wikimediaSuffixes = []string{"wikimedia.org", "wikidata.org"}

// Canonicalize applies the normalization rules in order: scheme check,
// host lowercasing, www strip, fragment drop, tracking-key strip, query
// sort, duplicate-slash collapse, trailing-slash strip.
func Canonicalize(raw string) Result {
	raw = strings.TrimSpace(raw)

	// Wikipedia relative links ("./Foo", "/wiki/Foo") never leave the wiki.
	if strings.HasPrefix(raw, "./") || strings.HasPrefix(raw, "/wiki/") {
		return Result{URL: raw, Classification: WikipediaInternal}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Result{URL: raw, Classification: Blocked}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{URL: raw, Classification: Blocked}
	}
	if u.Host == "" {
		return Result{URL: raw, Classification: Blocked}
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimPrefix(host, "www.")

	u.Host = host
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		u.Host = host + ":" + port
	}

	u.Fragment = ""
	u.RawQuery = cleanQuery(u.Query())
	u.Path = cleanPath(u.Path)

	res := Result{URL: u.String(), Host: host}
	switch {
	case host == "wikipedia.org" || strings.HasSuffix(host, ".wikipedia.org"):
		res.Classification = WikipediaInternal
	case isWikimediaHost(host):
		res.Classification = Wikimedia
	default:
		res.Classification = External
	}
	return res
}

func isWikimediaHost(host string) bool {
	for _, s := range wikimediaSuffixes {
		if host == s || strings.HasSuffix(host, "."+s) {
			return true
		}
	}
	return false
}

// cleanQuery drops tracking keys and re-encodes the rest with keys sorted
// lexicographically so equivalent URLs compare equal.
func cleanQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		lk := strings.ToLower(k)
		if trackedKeys[lk] || strings.HasPrefix(lk, "utm_") {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := q[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			if v != "" {
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	return b.String()
}

// cleanPath collapses duplicate slashes and strips the trailing slash
// everywhere except the root.
func cleanPath(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
