package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/mikeboe/deep-research/pkg/config"
)

// NewProvider builds the backend selected by cfg. Caching is layered on by
// the caller with NewCachedProvider.
func NewProvider(ctx context.Context, cfg config.ProviderConfig) (Provider, error) {
	name, err := cfg.ResolveSearchProvider()
	if err != nil {
		return nil, err
	}

	var p Provider
	switch name {
	case config.SearchDuckDuckGo:
		p = NewDuckDuckGo()
	case config.SearchGoogle:
		p, err = NewGoogle(ctx, cfg.GoogleSearchAPIKey, cfg.GoogleSearchEngineID)
		if err != nil {
			return nil, err
		}
	case config.SearchArxiv:
		p = NewArxiv("")
	default:
		return nil, fmt.Errorf("unsupported search provider %q", name)
	}

	return p, nil
}

// OpenCache connects to the Redis search cache when REDIS_ADDR is set and
// returns nil otherwise. The caller owns the cache and must Close it.
func OpenCache(ctx context.Context, cfg config.ProviderConfig) (*RedisCache, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	cache := NewRedisCache(RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := cache.Ping(ctx); err != nil {
		cache.Close()
		return nil, fmt.Errorf("failed to connect to search cache at %s: %w", cfg.RedisAddr, err)
	}
	return cache, nil
}

// ParseProviderName normalizes a backend name and rejects unknown ones.
func ParseProviderName(name string) (string, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); n {
	case "":
		return config.SearchDuckDuckGo, nil
	case config.SearchDuckDuckGo, config.SearchGoogle, config.SearchArxiv:
		return n, nil
	default:
		return "", fmt.Errorf("unknown search provider %q", name)
	}
}
