package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// WireFormat identifies the upstream API dialect spoken by a backend provider.
type WireFormat string

const (
	// WireFormatChatCompletions uses the OpenAI-compatible /chat/completions endpoint.
	WireFormatChatCompletions WireFormat = "chat_completions"

	// WireFormatAnthropicMessages uses the Anthropic /v1/messages endpoint.
	WireFormatAnthropicMessages WireFormat = "anthropic_messages"
)

// Validate checks the value and replaces an empty one with WireFormatChatCompletions.
func (f *WireFormat) Validate() error {
	switch *f {
	case "":
		*f = WireFormatChatCompletions
		return nil
	case WireFormatChatCompletions, WireFormatAnthropicMessages:
		return nil
	default:
		return fmt.Errorf(
			"bad wire format %q: must be empty or one of %q, %q",
			string(*f),
			string(WireFormatChatCompletions),
			string(WireFormatAnthropicMessages),
		)
	}
}

func unmarshalWireFormatYAML(value *WireFormat, data []byte) error {
	var format string

	if err := yaml.Unmarshal(data, &format); err != nil {
		return err
	}

	*value = WireFormat(format)

	return value.Validate()
}

// BackendRouterConfig is the declarative source of the backend routing table.
type BackendRouterConfig struct {
	// Providers contain connection settings for upstream inference APIs.
	Providers []BackendProviderConfig `yaml:"providers"`

	// Backends are the logical backend identifiers clients and pipelines can ask for.
	Backends []BackendConfig `yaml:"backends"`
}

// Validate checks that both lists are non-empty, free of duplicates and that every backend
// references a known provider.
func (cfg *BackendRouterConfig) Validate() error {
	if len(cfg.Providers) == 0 {
		return errors.New("no providers specified in backend router configuration")
	}

	providers := make(map[string]struct{}, len(cfg.Providers))
	for _, provider := range cfg.Providers {
		if _, exists := providers[provider.Name]; exists {
			return fmt.Errorf("duplicate configuration entry for provider %v", provider.Name)
		}

		providers[provider.Name] = struct{}{}
	}

	if len(cfg.Backends) == 0 {
		return errors.New("no backends specified in backend router configuration")
	}

	backends := make(map[string]struct{}, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		for _, provider := range backend.Providers {
			if _, providerExists := providers[provider.Name]; !providerExists {
				return fmt.Errorf("unknown provider %v specified for backend %v", provider.Name, backend.ID)
			}
		}

		if _, exists := backends[backend.ID]; exists {
			return fmt.Errorf("duplicate configuration entry for backend %v", backend.ID)
		}

		backends[backend.ID] = struct{}{}
	}

	return nil
}

func unmarshalBackendRouterConfig(value *BackendRouterConfig, data []byte) error {
	type Aux BackendRouterConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = BackendRouterConfig(aux)

	return value.Validate()
}

// BackendProviderConfig contains connection settings of an inference API provider.
type BackendProviderConfig struct {
	Name string `yaml:"name"`

	// BaseURL may be empty when every backend overrides it.
	BaseURL string `yaml:"base_url,omitempty"`

	// APIKeyEnvVar names the environment variable holding the API key.
	APIKeyEnvVar string `yaml:"api_key_env_var,omitempty"`

	// APIKey is resolved from APIKeyEnvVar; explicit config values are ignored.
	APIKey string `yaml:"-"`

	// WireFormat is the default dialect for backends served by this provider.
	WireFormat WireFormat `yaml:"wire_format,omitempty"`
}

// Validate checks the name and URL and resolves APIKey from the environment.
func (cfg *BackendProviderConfig) Validate() error {
	if cfg.Name == "" {
		return errors.New("provider name must be specified in backend provider configuration")
	}

	if err := validateURLString(cfg.BaseURL); err != nil {
		return err
	}

	if err := cfg.WireFormat.Validate(); err != nil {
		return err
	}

	if cfg.APIKeyEnvVar != "" {
		cfg.APIKey = os.Getenv(cfg.APIKeyEnvVar)
	}

	return nil
}

func unmarshalBackendProviderConfig(value *BackendProviderConfig, data []byte) error {
	type Aux BackendProviderConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = BackendProviderConfig(aux)

	return value.Validate()
}

// BackendConfig describes one logical backend.
type BackendConfig struct {
	// ID is the canonical backend identifier.
	ID string `yaml:"id"`

	// Aliases are alternative identifiers accepted from clients.
	Aliases []string `yaml:"aliases,omitempty"`

	// MaxOutputTokens caps max_tokens sent upstream. Zero means no cap.
	MaxOutputTokens int `yaml:"max_output_tokens,omitempty"`

	// TokenMultiplier weights usage records. Defaults to 1.0.
	TokenMultiplier float64 `yaml:"token_multiplier,omitempty"`

	// Providers lists the endpoints able to serve this backend.
	Providers []BackendEndpointProvider `yaml:"providers"`
}

// Validate checks the id and provider list and applies the TokenMultiplier default.
func (cfg *BackendConfig) Validate() error {
	if cfg.ID == "" {
		return errors.New("backend id must be specified in backend configuration")
	}

	if len(cfg.Providers) == 0 {
		return fmt.Errorf("no providers specified for backend %v", cfg.ID)
	}

	if cfg.MaxOutputTokens < 0 {
		return fmt.Errorf("negative max_output_tokens for backend %v", cfg.ID)
	}

	if cfg.TokenMultiplier <= 0.0 {
		cfg.TokenMultiplier = 1.0
	}

	return nil
}

func unmarshalBackendConfig(value *BackendConfig, data []byte) error {
	type Aux BackendConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = BackendConfig(aux)

	return value.Validate()
}

// BackendEndpointProvider binds a backend to one provider with optional overrides.
type BackendEndpointProvider struct {
	Name string `yaml:"name"`

	// Model overrides the upstream model name; defaults to the backend id.
	Model string `yaml:"model,omitempty"`

	// BaseURL overrides the provider's base URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// WireFormat overrides the provider's wire format.
	WireFormat WireFormat `yaml:"wire_format,omitempty"`

	// Fallback marks this endpoint as primary and configures when traffic moves away from it.
	Fallback *FallbackConfig `yaml:"fallback,omitempty"`
}

// Validate checks the name and URL. An empty WireFormat is kept empty so the provider
// default applies.
func (p *BackendEndpointProvider) Validate() error {
	if p.Name == "" {
		return errors.New("provider name must be specified in backend endpoint configuration")
	}

	if err := validateURLString(p.BaseURL); err != nil {
		return err
	}

	if p.WireFormat != "" {
		if err := p.WireFormat.Validate(); err != nil {
			return err
		}
	}

	if p.Fallback != nil {
		if err := p.Fallback.Validate(); err != nil {
			return err
		}
	}

	return nil
}

func unmarshalBackendEndpointProvider(value *BackendEndpointProvider, data []byte) error {
	type Aux BackendEndpointProvider
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = BackendEndpointProvider(aux)

	return value.Validate()
}

// FallbackConfig contains the health policy of a primary endpoint.
type FallbackConfig struct {
	// Trigger detects overload and moves traffic to a fallback endpoint.
	Trigger FallbackStateConfig `yaml:"trigger"`

	// Recover detects recovery and moves traffic back.
	Recover FallbackStateConfig `yaml:"recover"`
}

// Validate checks that both PromQL queries are present.
func (cfg *FallbackConfig) Validate() error {
	if cfg.Trigger.Query == "" {
		return errors.New("fallback trigger query must be specified")
	}

	if cfg.Recover.Query == "" {
		return errors.New("fallback recover query must be specified")
	}

	return nil
}

func unmarshalFallbackConfig(value *FallbackConfig, data []byte) error {
	type Aux FallbackConfig
	var aux Aux

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	*value = FallbackConfig(aux)

	return value.Validate()
}

// FallbackStateConfig configures detection of one endpoint state.
type FallbackStateConfig struct {
	// DwellTime is the hysteresis period after entering the state.
	DwellTime time.Duration `yaml:"dwell_time"`

	// Query is a PromQL query returning an empty vector or 0 while the state is not entered
	// and 1 once it is.
	Query string `yaml:"query"`
}

func init() {
	yaml.RegisterCustomUnmarshaler[WireFormat](unmarshalWireFormatYAML)
	yaml.RegisterCustomUnmarshaler[BackendRouterConfig](unmarshalBackendRouterConfig)
	yaml.RegisterCustomUnmarshaler[BackendProviderConfig](unmarshalBackendProviderConfig)
	yaml.RegisterCustomUnmarshaler[BackendConfig](unmarshalBackendConfig)
	yaml.RegisterCustomUnmarshaler[BackendEndpointProvider](unmarshalBackendEndpointProvider)
	yaml.RegisterCustomUnmarshaler[FallbackConfig](unmarshalFallbackConfig)
	yaml.RegisterCustomUnmarshaler[DeepResearchConfig](unmarshalDeepResearchConfig)
	yaml.RegisterCustomUnmarshaler[EnrichmentConfig](unmarshalEnrichmentConfig)
}

// validateURLString performs basic sanity checks of a URL string. Empty strings are accepted.
func validateURLString(str string) error {
	if str == "" {
		return nil
	}

	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("failed to parse URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL does not contain a hostname")
	}

	return nil
}
