package llm

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"google.golang.org/genai"

	"github.com/mikeboe/deep-research/pkg/structured"
)

// GeminiConfig configures the Gemini API backend. BaseURL is only set in
// tests.
type GeminiConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// GeminiBackend supports native JSON output constrained by a response
// schema.
type GeminiBackend struct {
	client *genai.Client
}

func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiBackend{client: client}, nil
}

func (g *GeminiBackend) Name() string { return "gemini" }

func (g *GeminiBackend) Generate(ctx context.Context, prompt string, s Sampling) (string, error) {
	return g.generate(ctx, prompt, s, generationConfig(s))
}

func (g *GeminiBackend) GenerateJSON(ctx context.Context, prompt string, schema *structured.Schema, s Sampling) (string, error) {
	gc := generationConfig(s)
	gc.ResponseMIMEType = "application/json"
	gc.ResponseSchema = toGenaiSchema(schema.JSON)
	return g.generate(ctx, prompt, s, gc)
}

func (g *GeminiBackend) generate(ctx context.Context, prompt string, s Sampling, gc *genai.GenerateContentConfig) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, s.Model, genai.Text(prompt), gc)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

func generationConfig(s Sampling) *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(s.Temperature)),
	}
	if s.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = int32(s.MaxOutputTokens)
	}
	return gc
}

// toGenaiSchema converts the subset of JSON Schema used by our record
// declarations into the Gemini schema dialect.
func toGenaiSchema(s *jsonschema.Schema) *genai.Schema {
	if s == nil {
		return nil
	}

	out := &genai.Schema{
		Description: s.Description,
		Required:    slices.Clone(s.Required),
	}
	switch s.Type {
	case "object":
		out.Type = genai.TypeObject
	case "array":
		out.Type = genai.TypeArray
	case "string":
		out.Type = genai.TypeString
	case "boolean":
		out.Type = genai.TypeBoolean
	case "integer":
		out.Type = genai.TypeInteger
	case "number":
		out.Type = genai.TypeNumber
	}

	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenaiSchema(prop)
		}
		out.PropertyOrdering = propertyOrder(s)
	}
	if s.Items != nil {
		out.Items = toGenaiSchema(s.Items)
	}
	if s.MinItems != nil {
		out.MinItems = genai.Ptr(int64(*s.MinItems))
	}
	if s.MaxItems != nil {
		out.MaxItems = genai.Ptr(int64(*s.MaxItems))
	}
	return out
}

// propertyOrder lists required properties in declaration order, then the
// optional ones alphabetically.
func propertyOrder(s *jsonschema.Schema) []string {
	order := make([]string, 0, len(s.Properties))
	for _, name := range s.Required {
		if _, ok := s.Properties[name]; ok {
			order = append(order, name)
		}
	}
	var rest []string
	for name := range s.Properties {
		if !slices.Contains(order, name) {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
