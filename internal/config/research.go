package config

import (
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// DeepResearchConfig configures the deep-research pipeline.
type DeepResearchConfig struct {
	// FallbackChain is the ordered list of equivalent backend ids tried for every
	// outline and section generation call.
	FallbackChain []string `yaml:"fallback_chain"`

	MinSections       int `yaml:"min_sections,omitempty"`
	MaxSections       int `yaml:"max_sections,omitempty"`
	SourcesPerSection int `yaml:"sources_per_section,omitempty"`
	SectionMinWords   int `yaml:"section_min_words,omitempty"`
	SectionMaxWords   int `yaml:"section_max_words,omitempty"`
	OutlineMaxTokens  int `yaml:"outline_max_tokens,omitempty"`
	SectionMaxTokens  int `yaml:"section_max_tokens,omitempty"`
	PoolSearchResults int `yaml:"pool_search_results,omitempty"`
}

// Validate applies defaults and checks the section bounds.
func (cfg *DeepResearchConfig) Validate() error {
	if cfg.MinSections == 0 {
		cfg.MinSections = 5
	}
	if cfg.MaxSections == 0 {
		cfg.MaxSections = 8
	}
	if cfg.SourcesPerSection == 0 {
		cfg.SourcesPerSection = 5
	}
	if cfg.SectionMinWords == 0 {
		cfg.SectionMinWords = 800
	}
	if cfg.SectionMaxWords == 0 {
		cfg.SectionMaxWords = 1200
	}
	if cfg.OutlineMaxTokens == 0 {
		cfg.OutlineMaxTokens = 2000
	}
	if cfg.SectionMaxTokens == 0 {
		cfg.SectionMaxTokens = 3000
	}
	if cfg.PoolSearchResults == 0 {
		cfg.PoolSearchResults = 10
	}

	if cfg.MinSections < 1 || cfg.MinSections > cfg.MaxSections {
		return fmt.Errorf("invalid deep research section bounds: min %d, max %d", cfg.MinSections, cfg.MaxSections)
	}

	if cfg.SectionMinWords > cfg.SectionMaxWords {
		return fmt.Errorf("invalid deep research word bounds: min %d, max %d", cfg.SectionMinWords, cfg.SectionMaxWords)
	}

	for _, id := range cfg.FallbackChain {
		if id == "" {
			return errors.New("empty backend id in deep research fallback chain")
		}
	}

	return nil
}

func unmarshalDeepResearchConfig(value *DeepResearchConfig, data []byte) error {
	type Aux DeepResearchConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = DeepResearchConfig(aux)

	return value.Validate()
}

// EnrichmentConfig configures the web research and weather providers.
type EnrichmentConfig struct {
	// MaxSearchResults is the number of search hits requested per query.
	MaxSearchResults int `yaml:"max_search_results,omitempty"`

	// MaxFetchURLs bounds full-text page fetches per request. Never above 5.
	MaxFetchURLs int `yaml:"max_fetch_urls,omitempty"`

	// ContextTokenBudget caps the synthesized research context.
	ContextTokenBudget int `yaml:"context_token_budget,omitempty"`

	// WeatherBaseURL and GeocodingBaseURL point at Open-Meteo compatible APIs.
	WeatherBaseURL   string `yaml:"weather_base_url,omitempty"`
	GeocodingBaseURL string `yaml:"geocoding_base_url,omitempty"`
}

// MaxFetchURLsLimit is the hard upper bound on page fetches per research request.
const MaxFetchURLsLimit = 5

// Validate applies defaults and clamps MaxFetchURLs.
func (cfg *EnrichmentConfig) Validate() error {
	if cfg.MaxSearchResults == 0 {
		cfg.MaxSearchResults = 8
	}
	if cfg.MaxFetchURLs <= 0 || cfg.MaxFetchURLs > MaxFetchURLsLimit {
		cfg.MaxFetchURLs = MaxFetchURLsLimit
	}
	if cfg.ContextTokenBudget == 0 {
		cfg.ContextTokenBudget = 1500
	}
	if cfg.WeatherBaseURL == "" {
		cfg.WeatherBaseURL = "https://api.open-meteo.com/v1"
	}
	if cfg.GeocodingBaseURL == "" {
		cfg.GeocodingBaseURL = "https://geocoding-api.open-meteo.com/v1"
	}

	if err := validateURLString(cfg.WeatherBaseURL); err != nil {
		return fmt.Errorf("weather_base_url: %w", err)
	}

	return validateURLString(cfg.GeocodingBaseURL)
}

func unmarshalEnrichmentConfig(value *EnrichmentConfig, data []byte) error {
	type Aux EnrichmentConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = EnrichmentConfig(aux)

	return value.Validate()
}

// TitleGenerationConfig configures conversation title generation.
type TitleGenerationConfig struct {
	// Backends is the fallback chain used for titles. Empty disables title generation.
	Backends []string `yaml:"backends,omitempty"`
	Prompt   string   `yaml:"prompt,omitempty"`
}
