// Package citation turns source references in a synthesized answer into
// numbered markdown links and the matching source list.
//
// The answer prompt lists evidence as [src:N], N being the 1-based position
// of the result in the run's result list. The model cites with [src:N] or a
// group like [src:1, src:3]. Resolve rewrites each reference to [k](url),
// numbering distinct URLs by first appearance.
package citation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mikeboe/deep-research/pkg/search"
)

// Citation is one numbered source of the final answer.
type Citation struct {
	Marker int    `json:"marker"`
	URL    string `json:"url"`
	Title  string `json:"title"`
}

var (
	referencePattern = regexp.MustCompile(`\[\s*src\s*:[^\[\]]*\]|\[(\d+)\]\(((?:[^()\s]|\([^()\s]*\))+)\)`)
	indexPattern     = regexp.MustCompile(`\d+`)
)

type resolver struct {
	results   []search.Result
	known     map[string]int
	markers   map[string]int
	citations []Citation
}

// Resolve rewrites the references in answer against results and returns the
// annotated text with the citations it uses, ordered by marker. References
// outside results are removed. Links already in [k](url) form are
// renumbered when url is one of results, which makes Resolve idempotent.
func Resolve(results []search.Result, answer string) (string, []Citation) {
	r := &resolver{
		results: results,
		known:   make(map[string]int, len(results)),
		markers: make(map[string]int),
	}
	for i, res := range results {
		if _, ok := r.known[res.URL]; !ok && res.URL != "" {
			r.known[res.URL] = i
		}
	}

	var b strings.Builder
	last := 0
	for _, m := range referencePattern.FindAllStringSubmatchIndex(answer, -1) {
		b.WriteString(answer[last:m[0]])
		last = m[1]

		var replacement string
		if m[2] >= 0 {
			url := answer[m[4]:m[5]]
			if _, ok := r.known[url]; !ok {
				// not one of ours
				b.WriteString(answer[m[0]:m[1]])
				continue
			}
			replacement = r.link(url)
		} else {
			replacement = r.group(answer[m[0]:m[1]])
		}

		if replacement == "" {
			trimBeforeRemoval(&b, answer[last:])
			continue
		}
		b.WriteString(replacement)
	}
	b.WriteString(answer[last:])

	return b.String(), r.citations
}

// group resolves a [src:...] reference to adjacent links, one per distinct
// URL. Out of range indices are skipped.
func (r *resolver) group(ref string) string {
	var parts []string
	seen := make(map[string]bool)
	for _, s := range indexPattern.FindAllString(ref, -1) {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > len(r.results) {
			continue
		}
		url := r.results[n-1].URL
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		parts = append(parts, r.link(url))
	}
	return strings.Join(parts, "")
}

func (r *resolver) link(url string) string {
	k, ok := r.markers[url]
	if !ok {
		k = len(r.citations) + 1
		r.markers[url] = k
		res := r.results[r.known[url]]
		title := strings.TrimSpace(res.Title)
		if title == "" {
			title = url
		}
		r.citations = append(r.citations, Citation{Marker: k, URL: url, Title: title})
	}
	return fmt.Sprintf("[%d](%s)", k, url)
}

// trimBeforeRemoval drops the space left in front of a removed reference
// when the reference ended a word, so "tall [src:9]." becomes "tall.".
func trimBeforeRemoval(b *strings.Builder, rest string) {
	out := b.String()
	if !strings.HasSuffix(out, " ") {
		return
	}
	if rest != "" && !strings.ContainsAny(rest[:1], ".,;:!?) \n\t") {
		return
	}
	b.Reset()
	b.WriteString(strings.TrimRight(out, " "))
}

// Format renders citations as a Sources block. It returns "" when there is
// nothing to list.
func Format(citations []Citation) string {
	if len(citations) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Sources:\n")
	for _, c := range citations {
		if c.Title == c.URL {
			fmt.Fprintf(&b, "[%d] %s\n", c.Marker, c.URL)
			continue
		}
		fmt.Fprintf(&b, "[%d] %s - %s\n", c.Marker, c.Title, c.URL)
	}
	return b.String()
}
