package llm

import (
	"context"
	"fmt"

	"github.com/mikeboe/deep-research/pkg/config"
)

// NewBackend builds the backend selected by cfg. A missing credential is
// reported as *config.ProviderUnavailableError.
func NewBackend(ctx context.Context, cfg config.ProviderConfig) (Backend, error) {
	name, err := cfg.ResolveAPIProvider()
	if err != nil {
		return nil, err
	}
	models, err := cfg.StageModels()
	if err != nil {
		return nil, err
	}

	switch name {
	case config.ProviderOpenAI:
		return NewOpenAIBackend(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   models.Answer,
		})
	case config.ProviderGemini:
		return NewGeminiBackend(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey})
	default:
		return nil, fmt.Errorf("unsupported api provider %q", name)
	}
}
