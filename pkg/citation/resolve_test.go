package citation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeboe/deep-research/pkg/search"
)

var eiffelResults = []search.Result{
	{Title: "Eiffel Tower - Wikipedia", URL: "https://en.wikipedia.org/wiki/Eiffel_Tower"},
	{Title: "History of the tower", URL: "https://www.toureiffel.paris/en/history"},
	{Title: "Eiffel Tower (again)", URL: "https://en.wikipedia.org/wiki/Eiffel_Tower"},
	{Title: "", URL: "https://example.org/untitled"},
	{Title: "Paris (France)", URL: "https://en.wikipedia.org/wiki/Paris_(France)"},
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		wantText  string
		wantCites []Citation
	}{
		{
			name:     "Numbers by first appearance",
			answer:   "Finished in 1889 [src:2]. It is 330 m tall [src:1].",
			wantText: "Finished in 1889 [1](https://www.toureiffel.paris/en/history). It is 330 m tall [2](https://en.wikipedia.org/wiki/Eiffel_Tower).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://www.toureiffel.paris/en/history", Title: "History of the tower"},
				{Marker: 2, URL: "https://en.wikipedia.org/wiki/Eiffel_Tower", Title: "Eiffel Tower - Wikipedia"},
			},
		},
		{
			name:     "Same URL shares a marker",
			answer:   "A [src:1]. B [src:3].",
			wantText: "A [1](https://en.wikipedia.org/wiki/Eiffel_Tower). B [1](https://en.wikipedia.org/wiki/Eiffel_Tower).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://en.wikipedia.org/wiki/Eiffel_Tower", Title: "Eiffel Tower - Wikipedia"},
			},
		},
		{
			name:     "Grouped reference",
			answer:   "Built for the fair [src:1, src:2, src:3].",
			wantText: "Built for the fair [1](https://en.wikipedia.org/wiki/Eiffel_Tower)[2](https://www.toureiffel.paris/en/history).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://en.wikipedia.org/wiki/Eiffel_Tower", Title: "Eiffel Tower - Wikipedia"},
				{Marker: 2, URL: "https://www.toureiffel.paris/en/history", Title: "History of the tower"},
			},
		},
		{
			name:     "Out of range removed",
			answer:   "It is tall [src:9]. It is old [src:0, src:2].",
			wantText: "It is tall. It is old [1](https://www.toureiffel.paris/en/history).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://www.toureiffel.paris/en/history", Title: "History of the tower"},
			},
		},
		{
			name:      "No references",
			answer:    "The evidence was insufficient to answer.",
			wantText:  "The evidence was insufficient to answer.",
			wantCites: nil,
		},
		{
			name:     "Untitled source uses URL",
			answer:   "See [src:4].",
			wantText: "See [1](https://example.org/untitled).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://example.org/untitled", Title: "https://example.org/untitled"},
			},
		},
		{
			name:     "Existing link renumbered",
			answer:   "Old [7](https://www.toureiffel.paris/en/history) and new [src:1].",
			wantText: "Old [1](https://www.toureiffel.paris/en/history) and new [2](https://en.wikipedia.org/wiki/Eiffel_Tower).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://www.toureiffel.paris/en/history", Title: "History of the tower"},
				{Marker: 2, URL: "https://en.wikipedia.org/wiki/Eiffel_Tower", Title: "Eiffel Tower - Wikipedia"},
			},
		},
		{
			name:      "Foreign link untouched",
			answer:    "See [3](https://elsewhere.example/x).",
			wantText:  "See [3](https://elsewhere.example/x).",
			wantCites: nil,
		},
		{
			name:     "URL with parentheses",
			answer:   "Capital [src:5].",
			wantText: "Capital [1](https://en.wikipedia.org/wiki/Paris_(France)).",
			wantCites: []Citation{
				{Marker: 1, URL: "https://en.wikipedia.org/wiki/Paris_(France)", Title: "Paris (France)"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, cites := Resolve(eiffelResults, tt.answer)
			assert.Equal(t, tt.wantText, text)
			assert.Equal(t, tt.wantCites, cites)
		})
	}
}

func TestResolveIdempotent(t *testing.T) {
	answers := []string{
		"Finished in 1889 [src:2]. It is 330 m tall [src:1, src:3]. Not real [src:42].",
		"Capital [src:5] and [src:4]; tower [src:1].",
		"Old [7](https://www.toureiffel.paris/en/history) and [src:5].",
	}
	for _, a := range answers {
		text1, cites1 := Resolve(eiffelResults, a)
		text2, cites2 := Resolve(eiffelResults, text1)
		assert.Equal(t, text1, text2)
		assert.Equal(t, cites1, cites2)
	}
}

func TestResolveUnusedSourcesDropped(t *testing.T) {
	_, cites := Resolve(eiffelResults, "Only one [src:2].")
	require.Len(t, cites, 1)
	assert.Equal(t, "https://www.toureiffel.paris/en/history", cites[0].URL)
}

func TestResolveNoResults(t *testing.T) {
	text, cites := Resolve(nil, "Nothing found [src:1].")
	assert.Equal(t, "Nothing found.", text)
	assert.Empty(t, cites)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "", Format(nil))

	got := Format([]Citation{
		{Marker: 1, URL: "https://a.example", Title: "A"},
		{Marker: 2, URL: "https://b.example", Title: "https://b.example"},
	})
	assert.Equal(t, "Sources:\n[1] A - https://a.example\n[2] https://b.example\n", got)
}
