package routing

import (
	"log/slog"
	"os"
	"testing"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/logger"
)

var (
	ConfigFileEnvVar       = "CONFIG_FILE"
	OpenAIAPIKeyEnvVar     = "OPENAI_API_KEY"
	AnthropicAPIKeyEnvVar  = "ANTHROPIC_API_KEY"
	OpenRouterAPIKeyEnvVar = "OPENROUTER_API_KEY"
	LocalAPIKeyEnvVar      = "LOCAL_INFERENCE_API_KEY"

	ConfigFile       = "testdata/config.yaml"
	OpenAIAPIKey     = "test-openai-key"
	AnthropicAPIKey  = "test-anthropic-key"
	OpenRouterAPIKey = "test-openrouter-key"
	LocalAPIKey      = "test-local-key"

	OpenAIBaseURL     = "https://api.openai.com/v1"
	AnthropicBaseURL  = "https://api.anthropic.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	LocalGLMBaseURL   = "http://127.0.0.1:20002/v1"
)

func newEnv(overrides map[string]string) map[string]string {
	env := map[string]string{
		ConfigFileEnvVar:       ConfigFile,
		OpenAIAPIKeyEnvVar:     OpenAIAPIKey,
		AnthropicAPIKeyEnvVar:  AnthropicAPIKey,
		OpenRouterAPIKeyEnvVar: OpenRouterAPIKey,
		LocalAPIKeyEnvVar:      LocalAPIKey,
	}

	for key, value := range overrides {
		env[key] = value
	}

	return env
}

func newBackendRouter(t *testing.T, env map[string]string) *BackendRouter {
	var log *logger.Logger
	if testing.Verbose() {
		log = logger.New(logger.Config{Level: slog.LevelDebug})
	} else {
		log = logger.New(logger.Config{Level: slog.LevelError})
	}

	for key, value := range env {
		t.Setenv(key, value)
	}

	configFile, err := os.Open(os.Getenv(ConfigFileEnvVar))
	if err != nil {
		t.Fatalf("Failed to open config file: %v", err)
	}
	defer configFile.Close()

	appConfig := new(config.Config)
	if err := config.LoadConfigFile(configFile, appConfig); err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}

	return NewBackendRouter(appConfig, log)
}

func TestNewBackendRouter(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	if router == nil {
		t.Fatal("NewBackendRouter returned nil")
	}

	if len(router.GetRoutes()) == 0 {
		t.Fatal("routes map is empty")
	}
}

func TestRouteExactMatch(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	tests := []struct {
		backend            string
		expectedModel      string
		expectedBaseURL    string
		expectedKey        string
		expectedWireFormat config.WireFormat
		expectedProvider   string
	}{
		{"gpt-4.1", "gpt-4.1", OpenAIBaseURL, OpenAIAPIKey, config.WireFormatChatCompletions, "OpenAI"},
		{"gpt-4.1-mini", "gpt-4.1-mini", OpenAIBaseURL, OpenAIAPIKey, config.WireFormatChatCompletions, "OpenAI"},
		{"glm-4.6", "zai-org/GLM-4.6", LocalGLMBaseURL, LocalAPIKey, config.WireFormatChatCompletions, "Local"},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			provider, err := router.Route(tt.backend)
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if provider.BackendID != tt.backend {
				t.Errorf("expected backend id %s, got %s", tt.backend, provider.BackendID)
			}
			if provider.Model != tt.expectedModel {
				t.Errorf("expected model %s, got %s", tt.expectedModel, provider.Model)
			}
			if provider.BaseURL != tt.expectedBaseURL {
				t.Errorf("expected baseURL %s, got %s", tt.expectedBaseURL, provider.BaseURL)
			}
			if provider.APIKey != tt.expectedKey {
				t.Errorf("expected API key %s, got %s", tt.expectedKey, provider.APIKey)
			}
			if provider.Name != tt.expectedProvider {
				t.Errorf("expected provider name %s, got %s", tt.expectedProvider, provider.Name)
			}
			if provider.WireFormat != tt.expectedWireFormat {
				t.Errorf("expected wire format %s, got %s", tt.expectedWireFormat, provider.WireFormat)
			}
		})
	}
}

func TestRouteRoundRobin(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	// claude-sonnet-4 has no fallback policy, so both endpoints are active.
	seen := map[string]config.WireFormat{}
	for i := 0; i < 4; i++ {
		provider, err := router.Route("claude-sonnet-4")
		if err != nil {
			t.Fatalf("Route failed: %v", err)
		}
		seen[provider.Name] = provider.WireFormat
	}

	if len(seen) != 2 {
		t.Fatalf("expected both providers to be used, got %v", seen)
	}
	if seen["Anthropic"] != config.WireFormatAnthropicMessages {
		t.Errorf("expected Anthropic endpoint to inherit provider wire format, got %s", seen["Anthropic"])
	}
	if seen["OpenRouter"] != config.WireFormatChatCompletions {
		t.Errorf("expected OpenRouter endpoint wire format override, got %s", seen["OpenRouter"])
	}
}

func TestRouteTokenMultiplierAndMaxOutput(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	tests := []struct {
		backend    string
		multiplier float64
		maxOutput  int
	}{
		{"gpt-4.1", 1.0, 0},
		{"claude-sonnet-4", 3.0, 0},
		{"glm-4.6", 1.0, 4096},
	}

	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			provider, err := router.Route(tt.backend)
			if err != nil {
				t.Fatalf("Route failed: %v", err)
			}
			if provider.TokenMultiplier != tt.multiplier {
				t.Errorf("expected TokenMultiplier %v, got %v", tt.multiplier, provider.TokenMultiplier)
			}
			if provider.MaxOutputTokens != tt.maxOutput {
				t.Errorf("expected MaxOutputTokens %d, got %d", tt.maxOutput, provider.MaxOutputTokens)
			}
		})
	}
}

func TestRouteAliasMatch(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	tests := map[string]string{
		"openai/gpt-4.1":            "gpt-4.1",
		"openai/gpt-4.1-mini":       "gpt-4.1-mini",
		"anthropic/claude-sonnet-4": "claude-sonnet-4",
		"zai-org/GLM-4.6":           "glm-4.6",
		"z-ai/glm-4.6":              "glm-4.6",
	}

	for alias, backend := range tests {
		t.Run(alias, func(t *testing.T) {
			id, err := router.Resolve(alias)
			if err != nil {
				t.Fatalf("Resolve failed for %s: %v", alias, err)
			}
			if id != backend {
				t.Errorf("expected alias %s to resolve to %s, got %s", alias, backend, id)
			}
		})
	}
}

func TestRoutePrefixMatch(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	tests := map[string]string{
		"gpt-4.1-2025-04-14":      "gpt-4.1",
		"gpt-4.1-mini-2025-04-14": "gpt-4.1-mini",
		"claude-sonnet-4-latest":  "claude-sonnet-4",
	}

	for hint, backend := range tests {
		t.Run(hint, func(t *testing.T) {
			id, err := router.Resolve(hint)
			if err != nil {
				t.Fatalf("Resolve failed for %s: %v", hint, err)
			}
			if id != backend {
				t.Errorf("expected %s to resolve to %s, got %s", hint, backend, id)
			}
		})
	}
}

func TestRouteWildcard(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	for _, hint := range []string{"mistral-large", "gemini-pro", "meta-llama/llama-3.3-70b"} {
		t.Run(hint, func(t *testing.T) {
			provider, err := router.Route(hint)
			if err != nil {
				t.Fatalf("Route failed for %s: %v", hint, err)
			}
			if provider.Name != "OpenRouter" {
				t.Errorf("expected OpenRouter for %s, got %s", hint, provider.Name)
			}
			if provider.BaseURL != OpenRouterBaseURL {
				t.Errorf("expected OpenRouter baseURL, got %s", provider.BaseURL)
			}
			if provider.Model != hint {
				t.Errorf("expected upstream model %s, got %s", hint, provider.Model)
			}
		})
	}
}

func TestRouteEmptyHint(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	if _, err := router.Route("  "); err == nil {
		t.Error("expected error for empty backend id")
	}
}

func TestRouteCaseInsensitive(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	for _, hint := range []string{"GPT-4.1", "Gpt-4.1", "  gpt-4.1  "} {
		t.Run(hint, func(t *testing.T) {
			provider, err := router.Route(hint)
			if err != nil {
				t.Fatalf("Route failed for %s: %v", hint, err)
			}
			if provider.Name != "OpenAI" {
				t.Errorf("expected OpenAI, got %s", provider.Name)
			}
		})
	}
}

func TestRouteMissingCredentials(t *testing.T) {
	router := newBackendRouter(t, newEnv(map[string]string{
		OpenAIAPIKeyEnvVar:     "",
		OpenRouterAPIKeyEnvVar: "",
	}))

	if _, err := router.Route("gpt-4.1"); err == nil {
		t.Error("expected error when the only provider has no API key")
	}

	provider, err := router.Route("claude-sonnet-4")
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if provider.Name != "Anthropic" {
		t.Errorf("expected Anthropic, got %s", provider.Name)
	}
}

func TestPanicModeUsesInactiveEndpoints(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	routes := router.GetRoutes()
	route := routes["glm-4.6"]
	routes["glm-4.6"] = BackendRoute{
		InactiveEndpoints: append(route.ActiveEndpoints, route.InactiveEndpoints...),
		RoundRobinCounter: route.RoundRobinCounter,
	}
	router.SetRoutes(routes)

	if _, err := router.Route("glm-4.6"); err != nil {
		t.Fatalf("expected an inactive endpoint in panic mode, got %v", err)
	}
}

func TestGetSupportedBackends(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	expected := []string{"claude-sonnet-4", "glm-4.6", "gpt-4.1", "gpt-4.1-mini"}
	backends := router.GetSupportedBackends()

	if len(backends) != len(expected) {
		t.Fatalf("expected %d backends, got %d: %v", len(expected), len(backends), backends)
	}

	for i := range expected {
		if backends[i] != expected[i] {
			t.Errorf("expected backend %s, got %s", expected[i], backends[i])
		}
	}
}

func TestGetProviders(t *testing.T) {
	router := newBackendRouter(t, newEnv(nil))

	expected := []string{"Anthropic", "Local", "OpenAI", "OpenRouter"}
	providers := router.GetProviders()

	if len(providers) != len(expected) {
		t.Fatalf("expected %d providers, got %d: %v", len(expected), len(providers), providers)
	}

	for i := range expected {
		if providers[i] != expected[i] {
			t.Errorf("expected provider %s, got %s", expected[i], providers[i])
		}
	}
}
