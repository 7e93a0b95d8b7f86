package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/mikeboe/deep-research/pkg/retry"
)

const duckDuckGoEndpoint = "https://lite.duckduckgo.com/lite/"

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// duckDuckGoLimiter paces every DuckDuckGo instance in the process to one
// request per second.
var duckDuckGoLimiter = rate.NewLimiter(rate.Every(time.Second), 1)

// DuckDuckGo scrapes the lite HTML interface. It needs no credential.
type DuckDuckGo struct {
	client   *http.Client
	endpoint string
	limiter  *rate.Limiter
}

type DuckDuckGoOption func(*DuckDuckGo)

func WithDuckDuckGoEndpoint(endpoint string) DuckDuckGoOption {
	return func(d *DuckDuckGo) { d.endpoint = endpoint }
}

func WithDuckDuckGoLimiter(l *rate.Limiter) DuckDuckGoOption {
	return func(d *DuckDuckGo) { d.limiter = l }
}

func WithDuckDuckGoHTTPClient(c *http.Client) DuckDuckGoOption {
	return func(d *DuckDuckGo) { d.client = c }
}

func NewDuckDuckGo(opts ...DuckDuckGoOption) *DuckDuckGo {
	d := &DuckDuckGo{
		client:   &http.Client{Timeout: 15 * time.Second},
		endpoint: duckDuckGoEndpoint,
		limiter:  duckDuckGoLimiter,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("q", query)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &retry.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse duckduckgo response: %w", err)
	}
	return parseDuckDuckGo(doc, maxResults), nil
}

// parseDuckDuckGo reads result links and the snippet row that follows each
// of them. Sponsored rows are skipped.
func parseDuckDuckGo(doc *goquery.Document, maxResults int) []Hit {
	var hits []Hit
	doc.Find("a.result-link").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		row := a.Closest("tr")
		if row.HasClass("result-sponsored") {
			return true
		}

		href, ok := a.Attr("href")
		if !ok {
			return true
		}
		link := resolveDuckDuckGoLink(href)
		if link == "" {
			return true
		}

		hits = append(hits, Hit{
			Title:   strings.TrimSpace(a.Text()),
			URL:     link,
			Snippet: strings.TrimSpace(row.Next().Find("td.result-snippet").Text()),
		})
		return maxResults <= 0 || len(hits) < maxResults
	})
	return hits
}

// resolveDuckDuckGoLink unwraps /l/?uddg= redirect links and drops ad
// links and anything that is not http(s).
func resolveDuckDuckGoLink(href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if strings.HasSuffix(u.Hostname(), "duckduckgo.com") {
		if u.Path == "/l/" {
			if target := u.Query().Get("uddg"); target != "" {
				return resolveDuckDuckGoLink(target)
			}
		}
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
