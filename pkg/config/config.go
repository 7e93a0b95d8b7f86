package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Configuration keys. Each is also read from the upper-cased environment
// variable of the same name.
const (
	KeyAPIProvider            = "api_provider"
	KeySearchProvider         = "search_provider"
	KeyOpenAIAPIKey           = "openai_api_key"
	KeyOpenAIBaseURL          = "openai_base_url"
	KeyOpenAIModel            = "openai_model"
	KeyGeminiAPIKey           = "gemini_api_key"
	KeyGeminiModel            = "gemini_model"
	KeyGoogleSearchAPIKey     = "google_search_api_key"
	KeyGoogleSearchEngineID   = "google_search_engine_id"
	KeyQueryGeneratorModel    = "query_generator_model"
	KeyReflectionModel        = "reflection_model"
	KeyAnswerModel            = "answer_model"
	KeyMaxResearchLoops       = "max_research_loops"
	KeyNumberOfInitialQueries = "number_of_initial_queries"
	KeyMaxSearchResults       = "max_search_results"
	KeySearchConcurrency      = "search_concurrency"
	KeyRunTimeout             = "run_timeout"
	KeyRequestTimeout         = "request_timeout"
	KeyMaxRetries             = "max_retries"
	KeyRedisAddr              = "redis_addr"
	KeyRedisPassword          = "redis_password"
	KeyCacheTTL               = "search_cache_ttl"
	KeyPort                   = "port"
	KeyDatabaseURL            = "database_url"
	KeyLogLevel               = "log_level"
	KeyLogFormat              = "log_format"
	KeyTracingEnabled         = "tracing_enabled"
	KeyServiceName            = "otel_service_name"
	KeyOTLPEndpoint           = "otel_exporter_otlp_endpoint"
)

// ProviderConfig is everything a research run needs to pick and drive its
// backends. It is read once and passed by value; nothing mutates it during
// a run.
type ProviderConfig struct {
	APIProvider    string `json:"api_provider"`
	SearchProvider string `json:"search_provider"`

	OpenAIAPIKey         string `json:"-"`
	OpenAIBaseURL        string `json:"openai_base_url,omitempty"`
	OpenAIModel          string `json:"openai_model,omitempty"`
	GeminiAPIKey         string `json:"-"`
	GeminiModel          string `json:"gemini_model,omitempty"`
	GoogleSearchAPIKey   string `json:"-"`
	GoogleSearchEngineID string `json:"google_search_engine_id,omitempty"`

	QueryGeneratorModel string `json:"query_generator_model,omitempty"`
	ReflectionModel     string `json:"reflection_model,omitempty"`
	AnswerModel         string `json:"answer_model,omitempty"`

	MaxResearchLoops       int `json:"max_research_loops"`
	NumberOfInitialQueries int `json:"number_of_initial_queries"`
	MaxSearchResults       int `json:"max_search_results"`
	SearchConcurrency      int `json:"search_concurrency"`

	RunTimeout     time.Duration `json:"run_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxRetries     int           `json:"max_retries"`

	RedisAddr     string        `json:"redis_addr,omitempty"`
	RedisPassword string        `json:"-"`
	CacheTTL      time.Duration `json:"search_cache_ttl"`
}

type ServerConfig struct {
	Port        string
	DatabaseURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
}

type Config struct {
	Provider  ProviderConfig
	Server    ServerConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// Defaults returns a ProviderConfig with every limit set and no credentials.
func Defaults() ProviderConfig {
	return ProviderConfig{
		APIProvider:            ProviderAuto,
		SearchProvider:         SearchDuckDuckGo,
		MaxResearchLoops:       2,
		NumberOfInitialQueries: 3,
		MaxSearchResults:       5,
		SearchConcurrency:      4,
		RunTimeout:             10 * time.Minute,
		RequestTimeout:         90 * time.Second,
		MaxRetries:             2,
		CacheTTL:               24 * time.Hour,
	}
}

func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault(KeyAPIProvider, d.APIProvider)
	v.SetDefault(KeySearchProvider, d.SearchProvider)
	v.SetDefault(KeyMaxResearchLoops, d.MaxResearchLoops)
	v.SetDefault(KeyNumberOfInitialQueries, d.NumberOfInitialQueries)
	v.SetDefault(KeyMaxSearchResults, d.MaxSearchResults)
	v.SetDefault(KeySearchConcurrency, d.SearchConcurrency)
	v.SetDefault(KeyRunTimeout, d.RunTimeout)
	v.SetDefault(KeyRequestTimeout, d.RequestTimeout)
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
	v.SetDefault(KeyCacheTTL, d.CacheTTL)
	v.SetDefault(KeyPort, "8081")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyTracingEnabled, false)
	v.SetDefault(KeyServiceName, "deep-research")
}

// NewViper returns a viper instance bound to the environment. When file is
// set it is read as the config file; otherwise deep-research.yaml is looked
// up in the working directory and is optional.
func NewViper(file string) (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName("deep-research")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

// Load builds a Config from v. A nil v reads the environment only.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
		v.AutomaticEnv()
	}
	setDefaults(v)

	cfg := &Config{
		Provider: ProviderConfig{
			APIProvider:            strings.ToLower(strings.TrimSpace(v.GetString(KeyAPIProvider))),
			SearchProvider:         strings.ToLower(strings.TrimSpace(v.GetString(KeySearchProvider))),
			OpenAIAPIKey:           v.GetString(KeyOpenAIAPIKey),
			OpenAIBaseURL:          v.GetString(KeyOpenAIBaseURL),
			OpenAIModel:            v.GetString(KeyOpenAIModel),
			GeminiAPIKey:           v.GetString(KeyGeminiAPIKey),
			GeminiModel:            v.GetString(KeyGeminiModel),
			GoogleSearchAPIKey:     v.GetString(KeyGoogleSearchAPIKey),
			GoogleSearchEngineID:   v.GetString(KeyGoogleSearchEngineID),
			QueryGeneratorModel:    v.GetString(KeyQueryGeneratorModel),
			ReflectionModel:        v.GetString(KeyReflectionModel),
			AnswerModel:            v.GetString(KeyAnswerModel),
			MaxResearchLoops:       v.GetInt(KeyMaxResearchLoops),
			NumberOfInitialQueries: v.GetInt(KeyNumberOfInitialQueries),
			MaxSearchResults:       v.GetInt(KeyMaxSearchResults),
			SearchConcurrency:      v.GetInt(KeySearchConcurrency),
			RunTimeout:             v.GetDuration(KeyRunTimeout),
			RequestTimeout:         v.GetDuration(KeyRequestTimeout),
			MaxRetries:             v.GetInt(KeyMaxRetries),
			RedisAddr:              v.GetString(KeyRedisAddr),
			RedisPassword:          v.GetString(KeyRedisPassword),
			CacheTTL:               v.GetDuration(KeyCacheTTL),
		},
		Server: ServerConfig{
			Port:        v.GetString(KeyPort),
			DatabaseURL: v.GetString(KeyDatabaseURL),
		},
		Log: LogConfig{
			Level:  v.GetString(KeyLogLevel),
			Format: v.GetString(KeyLogFormat),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool(KeyTracingEnabled),
			ServiceName:  v.GetString(KeyServiceName),
			OTLPEndpoint: v.GetString(KeyOTLPEndpoint),
		},
	}

	if err := cfg.Provider.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
