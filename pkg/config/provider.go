package config

import "fmt"

const (
	ProviderAuto   = "auto"
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	SearchDuckDuckGo = "duckduckgo"
	SearchGoogle     = "google"
	SearchArxiv      = "arxiv"
)

// Default model names per backend.
const (
	DefaultOpenAIModel          = "gpt-4o-mini"
	DefaultGeminiQueryModel     = "gemini-2.0-flash"
	DefaultGeminiReasoningModel = "gemini-2.5-flash"
)

// ProviderUnavailableError means the selected backend has no credential.
// It is never retried.
type ProviderUnavailableError struct {
	Provider   string
	Credential string
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %q is unavailable: %s is not set", e.Provider, e.Credential)
}

type modelBackend struct {
	name       string
	credential string
	key        func(ProviderConfig) string
}

// modelBackends is the auto-selection priority: the first backend whose
// credential is present wins. With no credential at all, defaultModelBackend
// is selected, which then fails the credential check.
var modelBackends = []modelBackend{
	{name: ProviderOpenAI, credential: "OPENAI_API_KEY", key: func(c ProviderConfig) string { return c.OpenAIAPIKey }},
	{name: ProviderGemini, credential: "GEMINI_API_KEY", key: func(c ProviderConfig) string { return c.GeminiAPIKey }},
}

const defaultModelBackend = ProviderOpenAI

func lookupModelBackend(name string) (modelBackend, bool) {
	for _, b := range modelBackends {
		if b.name == name {
			return b, true
		}
	}
	return modelBackend{}, false
}

// ResolveAPIProvider returns the concrete model backend for this config.
func (c ProviderConfig) ResolveAPIProvider() (string, error) {
	name := c.APIProvider
	if name == "" || name == ProviderAuto {
		name = defaultModelBackend
		for _, b := range modelBackends {
			if b.key(c) != "" {
				name = b.name
				break
			}
		}
	}

	b, ok := lookupModelBackend(name)
	if !ok {
		return "", fmt.Errorf("unknown api provider %q", c.APIProvider)
	}
	if b.key(c) == "" {
		return "", &ProviderUnavailableError{Provider: b.name, Credential: b.credential}
	}
	return b.name, nil
}

// ResolveSearchProvider returns the search backend and checks that it has
// what it needs to run.
func (c ProviderConfig) ResolveSearchProvider() (string, error) {
	switch c.SearchProvider {
	case "", SearchDuckDuckGo:
		return SearchDuckDuckGo, nil
	case SearchArxiv:
		return SearchArxiv, nil
	case SearchGoogle:
		if c.GoogleSearchAPIKey == "" {
			return "", &ProviderUnavailableError{Provider: SearchGoogle, Credential: "GOOGLE_SEARCH_API_KEY"}
		}
		if c.GoogleSearchEngineID == "" {
			return "", &ProviderUnavailableError{Provider: SearchGoogle, Credential: "GOOGLE_SEARCH_ENGINE_ID"}
		}
		return SearchGoogle, nil
	default:
		return "", fmt.Errorf("unknown search provider %q", c.SearchProvider)
	}
}

// StageModels names the model used by each stage of a run.
type StageModels struct {
	QueryGenerator string `json:"query_generator"`
	Reflection     string `json:"reflection"`
	Answer         string `json:"answer"`
}

// StageModels resolves per-stage model names for the effective backend.
// Explicit stage overrides take precedence over backend defaults.
func (c ProviderConfig) StageModels() (StageModels, error) {
	backend, err := c.ResolveAPIProvider()
	if err != nil {
		return StageModels{}, err
	}
	return c.StageModelsFor(backend), nil
}

// StageModelsFor resolves per-stage model names for a named backend.
func (c ProviderConfig) StageModelsFor(backend string) StageModels {
	var m StageModels
	switch backend {
	case ProviderGemini:
		m = StageModels{
			QueryGenerator: firstNonEmpty(c.GeminiModel, DefaultGeminiQueryModel),
			Reflection:     firstNonEmpty(c.GeminiModel, DefaultGeminiReasoningModel),
			Answer:         firstNonEmpty(c.GeminiModel, DefaultGeminiReasoningModel),
		}
	default:
		model := firstNonEmpty(c.OpenAIModel, DefaultOpenAIModel)
		m = StageModels{QueryGenerator: model, Reflection: model, Answer: model}
	}

	m.QueryGenerator = firstNonEmpty(c.QueryGeneratorModel, m.QueryGenerator)
	m.Reflection = firstNonEmpty(c.ReflectionModel, m.Reflection)
	m.Answer = firstNonEmpty(c.AnswerModel, m.Answer)
	return m
}

// Selection is the effective provider selection, safe to show to users.
type Selection struct {
	APIProvider      string      `json:"api_provider"`
	SearchProvider   string      `json:"search_provider"`
	Models           StageModels `json:"models"`
	MaxResearchLoops int         `json:"max_research_loops"`
	MaxQueries       int         `json:"number_of_initial_queries"`
	MaxSearchResults int         `json:"max_search_results"`
	Errors           []string    `json:"errors,omitempty"`
}

// Describe reports the effective selection. Resolution failures are listed
// in Errors instead of being returned.
func (c ProviderConfig) Describe() Selection {
	s := Selection{
		MaxResearchLoops: c.MaxResearchLoops,
		MaxQueries:       c.NumberOfInitialQueries,
		MaxSearchResults: c.MaxSearchResults,
	}

	backend, err := c.ResolveAPIProvider()
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
		if pe, ok := err.(*ProviderUnavailableError); ok {
			backend = pe.Provider
		}
	}
	s.APIProvider = backend
	if backend != "" {
		s.Models = c.StageModelsFor(backend)
	}

	search, err := c.ResolveSearchProvider()
	if err != nil {
		s.Errors = append(s.Errors, err.Error())
		search = c.SearchProvider
	}
	s.SearchProvider = search
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
