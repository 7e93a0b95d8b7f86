package search

import (
	"context"
	"fmt"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"
)

// googleMaxNum is the largest page the Custom Search JSON API returns.
const googleMaxNum = 10

// Google queries a Programmable Search Engine.
type Google struct {
	svc      *customsearch.Service
	engineID string
}

func NewGoogle(ctx context.Context, apiKey, engineID string, opts ...option.ClientOption) (*Google, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	svc, err := customsearch.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create custom search service: %w", err)
	}
	return &Google{svc: svc, engineID: engineID}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Search(ctx context.Context, query string, maxResults int) ([]Hit, error) {
	num := maxResults
	if num <= 0 || num > googleMaxNum {
		num = googleMaxNum
	}

	res, err := g.svc.Cse.List().Cx(g.engineID).Q(query).Num(int64(num)).Context(ctx).Do()
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(res.Items))
	for _, item := range res.Items {
		if item == nil {
			continue
		}
		hits = append(hits, Hit{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return hits, nil
}
