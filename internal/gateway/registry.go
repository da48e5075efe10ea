package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eternisai/enchanted-research/internal/config"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/metrics"
	"github.com/eternisai/enchanted-research/internal/routing"
)

// Resolver selects the endpoint serving a backend id. Implemented by routing.BackendRouter.
type Resolver interface {
	Route(backendID string) (*routing.ProviderConfig, error)
}

// Factory constructs a Backend for an endpoint.
type Factory func(provider *routing.ProviderConfig) (Backend, error)

// NewHTTPFactory returns a Factory building wire-format specific backends sharing httpClient.
func NewHTTPFactory(httpClient *http.Client, log *logger.Logger) Factory {
	return func(provider *routing.ProviderConfig) (Backend, error) {
		switch provider.WireFormat {
		case config.WireFormatChatCompletions, "":
			return NewOpenAIBackend(httpClient, provider.BaseURL, provider.APIKey, log), nil
		case config.WireFormatAnthropicMessages:
			return NewAnthropicBackend(httpClient, provider.BaseURL, provider.APIKey, log), nil
		default:
			return nil, fmt.Errorf("unsupported wire format %q for backend %s", provider.WireFormat, provider.BackendID)
		}
	}
}

// Registry hands out backends by id. Backends are constructed on first use and cached per
// backend id and endpoint provider, so a fallback flip in the router selects a different
// cached backend instead of rebuilding one.
type Registry struct {
	resolver Resolver
	factory  Factory
	logger   *logger.Logger

	mu       sync.Mutex
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry(resolver Resolver, factory Factory, log *logger.Logger) *Registry {
	return &Registry{
		resolver: resolver,
		factory:  factory,
		logger:   log.WithComponent("gateway"),
		backends: make(map[string]Backend),
	}
}

// Get resolves backendID and returns the cached backend for the selected endpoint,
// constructing it if needed.
func (r *Registry) Get(backendID string) (Backend, *routing.ProviderConfig, error) {
	provider, err := r.resolver.Route(backendID)
	if err != nil {
		return nil, nil, err
	}

	key := provider.BackendID + "/" + provider.Name

	r.mu.Lock()
	defer r.mu.Unlock()

	if backend, ok := r.backends[key]; ok {
		return backend, provider, nil
	}

	backend, err := r.factory(provider)
	if err != nil {
		return nil, nil, err
	}

	r.backends[key] = backend

	r.logger.Debug("backend constructed",
		slog.String("backend", provider.BackendID),
		slog.String("provider", provider.Name),
		slog.String("wire_format", string(provider.WireFormat)))

	return backend, provider, nil
}

// prepare copies req with the endpoint's model name and output cap applied.
func prepare(req Request, provider *routing.ProviderConfig) Request {
	req.Model = provider.Model

	if provider.MaxOutputTokens > 0 {
		if req.Params.MaxTokens == nil || *req.Params.MaxTokens > provider.MaxOutputTokens {
			maxTokens := provider.MaxOutputTokens
			req.Params.MaxTokens = &maxTokens
		}
	}

	return req
}

// StreamGenerate opens a token stream on a single backend. It never falls back: once a
// client sees tokens from one backend, switching would splice two different answers.
func (r *Registry) StreamGenerate(ctx context.Context, backendID string, req Request) (*Stream, error) {
	start := time.Now()

	backend, provider, err := r.Get(backendID)
	if err != nil {
		metrics.BackendRequests.WithLabelValues(backendID, "stream", "unavailable").Inc()
		return nil, errors.New(errors.KindBackendUnavailable, "stream generate", err)
	}

	stream, err := backend.StreamGenerate(ctx, prepare(req, provider))
	metrics.BackendLatency.WithLabelValues(provider.BackendID, "stream").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BackendRequests.WithLabelValues(provider.BackendID, "stream", "error").Inc()
		return nil, errors.New(errors.KindUpstream, "stream generate", err)
	}

	metrics.BackendRequests.WithLabelValues(provider.BackendID, "stream", "ok").Inc()

	stream.BackendID = provider.BackendID
	stream.Provider = provider.Name
	stream.Model = provider.Model
	stream.TokenMultiplier = provider.TokenMultiplier

	return stream, nil
}

// Generate runs a non-streaming call on a single backend.
func (r *Registry) Generate(ctx context.Context, backendID string, req Request) (string, error) {
	start := time.Now()

	backend, provider, err := r.Get(backendID)
	if err != nil {
		metrics.BackendRequests.WithLabelValues(backendID, "generate", "unavailable").Inc()
		return "", err
	}

	text, err := backend.Generate(ctx, prepare(req, provider))
	metrics.BackendLatency.WithLabelValues(provider.BackendID, "generate").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.BackendRequests.WithLabelValues(provider.BackendID, "generate", "error").Inc()
		return "", err
	}

	metrics.BackendRequests.WithLabelValues(provider.BackendID, "generate", "ok").Inc()

	return text, nil
}

// GenerateWithFallback tries each backend of chain in order with identical parameters and
// returns the first success. When every backend fails the error has kind
// KindBackendUnavailable and wraps the last failure.
func (r *Registry) GenerateWithFallback(ctx context.Context, chain []string, req Request) (string, error) {
	if len(chain) == 0 {
		return "", errors.New(errors.KindBackendUnavailable, "generate with fallback", stderrors.New("empty fallback chain"))
	}

	var lastErr error

	for i, backendID := range chain {
		if err := ctx.Err(); err != nil {
			return "", errors.New(errors.KindCancelled, "generate with fallback", err)
		}

		text, err := r.Generate(ctx, backendID, req)
		if err == nil {
			if i > 0 {
				r.logger.Info("generation succeeded on fallback backend",
					slog.String("backend", backendID),
					slog.Int("position", i))
			}
			return text, nil
		}

		lastErr = err

		r.logger.Warn("backend failed, trying next in chain",
			slog.String("backend", backendID),
			slog.Int("position", i),
			slog.String("error", err.Error()))
	}

	return "", errors.New(errors.KindBackendUnavailable, "generate with fallback",
		fmt.Errorf("all %d backends failed: %w", len(chain), lastErr))
}
