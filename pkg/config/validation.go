package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// ValidationError describes one invalid configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for field %q: %s", e.Field, e.Message)
}

type validator struct {
	errs []error
}

func (v *validator) oneOf(field, value string, allowed ...string) *validator {
	if !slices.Contains(allowed, value) {
		v.errs = append(v.errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be one of %v, got %q", allowed, value),
		})
	}
	return v
}

func (v *validator) positive(field string, value int) *validator {
	if value <= 0 {
		v.errs = append(v.errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("value must be positive, got %d", value),
		})
	}
	return v
}

func (v *validator) nonNegative(field string, value int) *validator {
	if value < 0 {
		v.errs = append(v.errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("value must not be negative, got %d", value),
		})
	}
	return v
}

func (v *validator) shorter(field string, value time.Duration, otherField string, other time.Duration) *validator {
	if value <= 0 || other <= 0 || value >= other {
		v.errs = append(v.errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be positive and shorter than %s (%s), got %s", otherField, other, value),
		})
	}
	return v
}

// Validate checks provider names and limits. Missing credentials are not a
// validation failure: they surface as ProviderUnavailableError when the
// backend is resolved.
func (c ProviderConfig) Validate() error {
	// Empty names mean the defaults, as in ResolveAPIProvider and
	// ResolveSearchProvider.
	apiProvider := firstNonEmpty(c.APIProvider, ProviderAuto)
	searchProvider := firstNonEmpty(c.SearchProvider, SearchDuckDuckGo)

	v := &validator{}
	v.oneOf(KeyAPIProvider, apiProvider, ProviderAuto, ProviderOpenAI, ProviderGemini).
		oneOf(KeySearchProvider, searchProvider, SearchDuckDuckGo, SearchGoogle, SearchArxiv).
		positive(KeyMaxResearchLoops, c.MaxResearchLoops).
		positive(KeyNumberOfInitialQueries, c.NumberOfInitialQueries).
		positive(KeyMaxSearchResults, c.MaxSearchResults).
		positive(KeySearchConcurrency, c.SearchConcurrency).
		nonNegative(KeyMaxRetries, c.MaxRetries).
		shorter(KeyRequestTimeout, c.RequestTimeout, KeyRunTimeout, c.RunTimeout)
	return errors.Join(v.errs...)
}
