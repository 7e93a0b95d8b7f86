package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures any OpenAI-compatible chat-completions endpoint.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
}

// OpenAIBackend has no native schema mode; structured calls go through the
// extractor.
type OpenAIBackend struct {
	llm *openai.LLM
}

func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, openai.WithHTTPClient(cfg.HTTPClient))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init openai client: %w", err)
	}
	return &OpenAIBackend{llm: client}, nil
}

func (o *OpenAIBackend) Name() string { return "openai" }

func (o *OpenAIBackend) Generate(ctx context.Context, prompt string, s Sampling) (string, error) {
	opts := []llms.CallOption{llms.WithTemperature(s.Temperature)}
	if s.Model != "" {
		opts = append(opts, llms.WithModel(s.Model))
	}
	if s.MaxOutputTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(s.MaxOutputTokens))
	}

	resp, err := o.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return resp.Choices[0].Content, nil
}
