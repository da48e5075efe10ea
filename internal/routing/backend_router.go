package routing

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/logger"
)

// WildcardBackend is the backend id that serves hints matching no configured backend.
const WildcardBackend = "*"

// BackendRouter resolves backend hints sent by clients and pipelines to concrete upstream
// endpoints.
//
// Routing Strategy:
//  1. Exact match on the backend id or one of its aliases
//  2. Prefix match: "gpt-4.1-2025-04-14" resolves to "gpt-4.1"
//  3. Wildcard: unknown hints go to the "*" backend, if configured
type BackendRouter struct {
	aliases map[string]string
	routes  atomic.Pointer[map[string]BackendRoute]
	logger  *logger.Logger
}

// GetRoutes retrieves the current routing map from the atomic pointer store.
func (br *BackendRouter) GetRoutes() map[string]BackendRoute {
	return *(br.routes.Load())
}

// SetRoutes replaces the current routing map.
func (br *BackendRouter) SetRoutes(routes map[string]BackendRoute) {
	br.routes.Store(&routes)
}

// BackendRoute maintains the lists of provider endpoints able to serve a backend.
type BackendRoute struct {
	// ActiveEndpoints currently accept requests for this backend.
	ActiveEndpoints []BackendEndpoint

	// InactiveEndpoints were deactivated by the fallback policy or are standby endpoints
	// waiting for a primary to be deactivated.
	InactiveEndpoints []BackendEndpoint

	// RoundRobinCounter balances requests across multiple endpoints.
	RoundRobinCounter *atomic.Uint64
}

// BackendEndpoint binds a backend to one provider.
type BackendEndpoint struct {
	Provider *ProviderConfig
	Fallback *FallbackConfig
}

// ProviderConfig contains aggregated routing information for one endpoint.
type ProviderConfig struct {
	// BackendID is the canonical id of the backend this endpoint serves.
	BackendID string

	// Name is the provider name from the configuration (e.g. "OpenAI").
	Name string

	BaseURL string
	APIKey  string

	// Model is the model name the provider expects in API requests.
	Model string

	WireFormat      config.WireFormat
	MaxOutputTokens int
	TokenMultiplier float64
}

// FallbackConfig contains trigger and recover policies of a primary endpoint.
type FallbackConfig struct {
	Trigger *config.FallbackStateConfig
	Recover *config.FallbackStateConfig
}

// NewBackendRouter creates a router populated from the backend router configuration.
// Returns nil if no backend has a usable endpoint.
func NewBackendRouter(cfg *config.Config, logger *logger.Logger) *BackendRouter {
	router := &BackendRouter{
		logger: logger,
	}

	router.SetRoutes(map[string]BackendRoute{})
	router.RebuildRoutes(cfg.BackendRouterConfig)

	routes := router.GetRoutes()

	if len(routes) == 0 {
		logger.Error("backend router has no backend routes")
		return nil
	}

	logger.Info("backend router initialized",
		slog.Int("route_count", len(routes)))

	return router
}

// RebuildRoutes replaces the routing table and alias mapping with ones built from cfg.
func (br *BackendRouter) RebuildRoutes(cfg *config.BackendRouterConfig) {
	if cfg == nil {
		return
	}

	aliases := make(map[string]string, len(cfg.Backends)*2)
	routes := make(map[string]BackendRoute, len(cfg.Backends))

	providers := make(map[string]config.BackendProviderConfig, len(cfg.Providers))
	for _, backendProvider := range cfg.Providers {
		if _, exists := providers[backendProvider.Name]; exists {
			br.logger.Warn("skipping duplicate provider config entry",
				slog.String("provider", backendProvider.Name))
			continue
		}
		providers[backendProvider.Name] = backendProvider
	}

	for _, backend := range cfg.Backends {
		if _, exists := routes[backend.ID]; exists {
			br.logger.Warn("skipping duplicate backend config entry",
				slog.String("backend", backend.ID))
			continue
		}

		var activeEndpoints, inactiveEndpoints []BackendEndpoint

		for _, endpointProvider := range backend.Providers {
			backendProvider, exists := providers[endpointProvider.Name]
			if !exists {
				br.logger.Warn("skipping unknown backend endpoint provider",
					slog.String("backend", backend.ID),
					slog.String("provider", endpointProvider.Name))
				continue
			}

			// Endpoints without credentials are unusable.
			if backendProvider.APIKey == "" {
				continue
			}

			provider := &ProviderConfig{
				BackendID:       backend.ID,
				Name:            backendProvider.Name,
				BaseURL:         backendProvider.BaseURL,
				APIKey:          backendProvider.APIKey,
				Model:           backend.ID,
				WireFormat:      backendProvider.WireFormat,
				MaxOutputTokens: backend.MaxOutputTokens,
				TokenMultiplier: backend.TokenMultiplier,
			}

			if endpointProvider.Model != "" {
				provider.Model = endpointProvider.Model
			}

			if endpointProvider.BaseURL != "" {
				provider.BaseURL = endpointProvider.BaseURL
			}

			if endpointProvider.WireFormat != "" {
				provider.WireFormat = endpointProvider.WireFormat
			}

			var fallback *FallbackConfig
			if endpointProvider.Fallback != nil {
				fallback = &FallbackConfig{
					Trigger: &endpointProvider.Fallback.Trigger,
					Recover: &endpointProvider.Fallback.Recover,
				}
			}

			endpoint := BackendEndpoint{provider, fallback}

			// Endpoints with a fallback policy are primaries and start active; the rest are
			// standby endpoints and start inactive.
			if endpoint.Fallback != nil {
				activeEndpoints = append(activeEndpoints, endpoint)
			} else {
				inactiveEndpoints = append(inactiveEndpoints, endpoint)
			}
		}

		if len(activeEndpoints) == 0 && len(inactiveEndpoints) == 0 {
			br.logger.Warn("skipping backend with no usable provider endpoints",
				slog.String("backend", backend.ID))
			continue
		}

		// Without primaries there is no fallback policy: every endpoint is active.
		if len(activeEndpoints) == 0 {
			routes[backend.ID] = BackendRoute{
				ActiveEndpoints:   inactiveEndpoints,
				RoundRobinCounter: &atomic.Uint64{},
			}
		} else {
			routes[backend.ID] = BackendRoute{
				ActiveEndpoints:   activeEndpoints,
				InactiveEndpoints: inactiveEndpoints,
				RoundRobinCounter: &atomic.Uint64{},
			}
		}

		aliases[normalizeHint(backend.ID)] = backend.ID
		for _, alias := range backend.Aliases {
			aliases[normalizeHint(alias)] = backend.ID
		}
	}

	br.aliases = aliases
	br.SetRoutes(routes)
}

// Resolve maps a backend hint to the canonical backend id without selecting an endpoint.
func (br *BackendRouter) Resolve(hint string) (string, error) {
	normalized := normalizeHint(hint)
	if normalized == "" {
		return "", errors.New("backend id is required")
	}

	routes := br.GetRoutes()

	if id, exists := br.aliases[normalized]; exists {
		if _, routed := routes[id]; routed {
			return id, nil
		}
	}

	if id, ok := br.longestPrefix(normalized, routes); ok {
		return id, nil
	}

	if _, exists := routes[WildcardBackend]; exists {
		return WildcardBackend, nil
	}

	return "", fmt.Errorf("no backend configured for: %s", hint)
}

// Route resolves a backend hint and selects an endpoint to serve the request.
//
// Requests routed through the wildcard backend keep the hint as the upstream model name.
func (br *BackendRouter) Route(hint string) (*ProviderConfig, error) {
	id, err := br.Resolve(hint)
	if err != nil {
		return nil, err
	}

	provider := br.getBackendEndpointProvider(id)
	if provider == nil {
		return nil, fmt.Errorf("no suitable endpoint provider found for backend: %s", hint)
	}

	if id == WildcardBackend {
		prov := *provider
		prov.Model = strings.TrimSpace(hint)
		provider = &prov

		br.logger.Info("backend routed to wildcard provider",
			slog.String("backend", hint),
			slog.String("provider", provider.Name))
	} else {
		br.logger.Debug("backend routed",
			slog.String("backend", hint),
			slog.String("canonical", id),
			slog.String("provider", provider.Name))
	}

	return provider, nil
}

// longestPrefix returns the backend whose id or alias is the longest prefix of hint.
// Map iteration order is random, so the longest match wins for stable results.
func (br *BackendRouter) longestPrefix(hint string, routes map[string]BackendRoute) (string, bool) {
	var (
		best    string
		bestLen int
	)

	for prefix, id := range br.aliases {
		if prefix == WildcardBackend || len(prefix) <= bestLen {
			continue
		}

		if _, routed := routes[id]; !routed {
			continue
		}

		if strings.HasPrefix(hint, prefix) {
			best, bestLen = id, len(prefix)
		}
	}

	return best, bestLen > 0
}

// getBackendEndpointProvider selects an endpoint of a canonical backend using round robin.
// When no endpoint is active, an inactive one is used instead ("panic mode").
func (br *BackendRouter) getBackendEndpointProvider(id string) *ProviderConfig {
	route, exists := br.GetRoutes()[id]
	if !exists {
		return nil
	}

	endpoints := route.ActiveEndpoints
	if len(endpoints) == 0 {
		endpoints = route.InactiveEndpoints
	}

	if len(endpoints) == 0 {
		return nil
	}

	idx := (route.RoundRobinCounter.Add(1) - 1) % uint64(len(endpoints))

	return endpoints[idx].Provider
}

// GetSupportedBackends returns the sorted canonical ids of configured backends, excluding
// the wildcard.
func (br *BackendRouter) GetSupportedBackends() []string {
	routes := br.GetRoutes()

	backends := make([]string, 0, len(routes))
	for id := range routes {
		if id != WildcardBackend {
			backends = append(backends, id)
		}
	}

	sort.Strings(backends)

	return backends
}

// GetProviders returns the sorted names of providers serving at least one backend.
func (br *BackendRouter) GetProviders() []string {
	providerMap := make(map[string]struct{})

	for _, route := range br.GetRoutes() {
		for _, endpoint := range route.ActiveEndpoints {
			providerMap[endpoint.Provider.Name] = struct{}{}
		}

		for _, endpoint := range route.InactiveEndpoints {
			providerMap[endpoint.Provider.Name] = struct{}{}
		}
	}

	providers := make([]string, 0, len(providerMap))
	for provider := range providerMap {
		providers = append(providers, provider)
	}

	sort.Strings(providers)

	return providers
}

func normalizeHint(hint string) string {
	return strings.ToLower(strings.TrimSpace(hint))
}
