package search

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mikeboe/deep-research/pkg/retry"
)

const arxivEndpoint = "https://export.arxiv.org/api/query"

type arxivEntry struct {
	ID        string      `xml:"id"`
	Title     string      `xml:"title"`
	Summary   string      `xml:"summary"`
	Published string      `xml:"published"`
	Link      []arxivLink `xml:"link"`
}

type arxivLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
	Type string `xml:"type,attr"`
}

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entry   []arxivEntry `xml:"entry"`
}

// Arxiv searches paper abstracts through the arXiv Atom API.
type Arxiv struct {
	client   *http.Client
	endpoint string
}

func NewArxiv(endpoint string) *Arxiv {
	if endpoint == "" {
		endpoint = arxivEndpoint
	}
	return &Arxiv{client: &http.Client{Timeout: 20 * time.Second}, endpoint: endpoint}
}

func (a *Arxiv) Name() string { return "arxiv" }

func (a *Arxiv) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	params := url.Values{}
	params.Add("search_query", "all:"+query)
	params.Add("max_results", strconv.Itoa(maxResults))
	params.Add("start", "0")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make API request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal XML: %w", err)
	}

	hits := make([]Hit, 0, len(feed.Entry))
	for _, entry := range feed.Entry {
		hits = append(hits, Hit{
			Title:   collapseSpace(entry.Title),
			URL:     entry.abstractURL(),
			Snippet: collapseSpace(entry.Summary),
		})
	}
	return hits, nil
}

// abstractURL prefers the HTML abstract page over the PDF link.
func (e arxivEntry) abstractURL() string {
	for _, l := range e.Link {
		if l.Rel == "alternate" && l.Href != "" {
			return l.Href
		}
	}
	for _, l := range e.Link {
		if l.Type == "application/pdf" {
			return l.Href
		}
	}
	return strings.TrimSpace(e.ID)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
