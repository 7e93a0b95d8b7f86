// Package search puts interchangeable web search backends behind one
// capability: given a query, return ranked snippets with source URLs.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"

	"github.com/mikeboe/deep-research/pkg/retry"
)

// Query is a search string and the reason it was chosen.
type Query struct {
	Text      string `json:"query"`
	Rationale string `json:"rationale"`
}

// Hit is one ranked result as returned by a backend.
type Hit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Result is a Hit tied to the query that produced it. Results are never
// modified after creation.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
	Query   Query  `json:"query"`
}

// Provider is one concrete search backend. Results keep the backend's
// relevance order.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Hit, error)
}

// ErrNoResults is wrapped by SearchError when a backend answered but had
// nothing usable.
var ErrNoResults = errors.New("no usable results")

// SearchError is a search that failed after retries or returned nothing
// usable.
type SearchError struct {
	Provider string
	Query    string
	Err      error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search %q with %s failed: %v", e.Query, e.Provider, e.Err)
}

func (e *SearchError) Unwrap() error { return e.Err }

// IsTransient adds Google API errors to the shared classification.
func IsTransient(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return retry.TransientStatus(gerr.Code)
	}
	return retry.IsTransient(err)
}

// Client runs searches against one Provider with retries and a per-call
// timeout.
type Client struct {
	provider Provider
	policy   retry.Policy
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

type ClientOption func(*Client)

func WithRetryPolicy(p retry.Policy) ClientOption {
	return func(c *Client) { c.policy = p }
}

func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func NewClient(p Provider, opts ...ClientOption) *Client {
	c := &Client{
		provider: p,
		policy:   retry.DefaultPolicy(IsTransient),
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/mikeboe/deep-research/pkg/search"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = IsTransient
	}
	if c.policy.Logger == nil {
		c.policy.Logger = c.logger
	}
	return c
}

// ProviderName returns the name of the wrapped backend.
func (c *Client) ProviderName() string { return c.provider.Name() }

// Search returns at most maxResults results for q, in backend order.
func (c *Client) Search(ctx context.Context, q Query, maxResults int) ([]Result, error) {
	ctx, span := c.tracer.Start(ctx, "search.query", trace.WithAttributes(
		attribute.String("search.provider", c.provider.Name()),
		attribute.String("search.query", q.Text),
	))
	defer span.End()

	fail := func(err error) ([]Result, error) {
		serr := &SearchError{Provider: c.provider.Name(), Query: q.Text, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, "search failed")
		return nil, serr
	}

	if strings.TrimSpace(q.Text) == "" {
		return fail(errors.New("query is empty"))
	}

	hits, err := retry.Do(ctx, c.policy, func(ctx context.Context) ([]Hit, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.provider.Search(callCtx, q.Text, maxResults)
	})
	if err != nil {
		return fail(err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		results = append(results, Result{
			Title:   strings.TrimSpace(h.Title),
			URL:     strings.TrimSpace(h.URL),
			Snippet: strings.TrimSpace(h.Snippet),
			Query:   q,
		})
		if maxResults > 0 && len(results) >= maxResults {
			break
		}
	}
	if len(results) == 0 {
		return fail(ErrNoResults)
	}

	span.SetAttributes(attribute.Int("search.results", len(results)))
	c.logger.Debug("Search completed", "provider", c.provider.Name(), "query", q.Text, "results", len(results))
	return results, nil
}
