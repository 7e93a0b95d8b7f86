package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mikeboe/deep-research/pkg/citation"
)

type deepResearchArgs struct {
	Question         string `json:"question" jsonschema:"The question to research on the web"`
	MaxResearchLoops int    `json:"max_research_loops,omitempty" jsonschema:"Optional lower cap on search and reflection cycles"`
}

// NewMCPServer exposes the research loop as the deep_research tool.
func NewMCPServer(s *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "deep-research-mcp",
		Version: "1.0.0",
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "deep_research",
		Description: "Research a question with iterative web searches and return an answer with numbered source citations.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, args deepResearchArgs) (*mcp.CallToolResult, any, error) {
		if strings.TrimSpace(args.Question) == "" {
			return nil, nil, fmt.Errorf("question is required")
		}

		req := ResearchRequest{Question: args.Question}
		if args.MaxResearchLoops > 0 {
			req.Options = &RunOptions{MaxResearchLoops: args.MaxResearchLoops}
		}
		resp, err := s.Invoke(ctx, req)
		if err != nil {
			return nil, nil, err
		}

		text := resp.Answer
		if sources := citation.Format(resp.Citations); sources != "" {
			text += "\n\n" + sources
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, nil, nil
	})

	return server
}

// NewMCPHandler serves NewMCPServer over streamable HTTP.
func NewMCPHandler(s *Service) http.Handler {
	server := NewMCPServer(s)
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return server
	}, nil)
}
