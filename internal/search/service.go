package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
)

const (
	EngineExa        = "exa"
	EngineSerpAPI    = "serpapi"
	EngineDuckDuckGo = "duckduckgo"

	// maxResults is the most any engine is asked for in a single query.
	maxResults = 10
)

// Searcher runs a web search and returns deduplicated sources, best first.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Source, error)
}

// Options configures the search service. Empty keys disable the matching engine.
type Options struct {
	SerpAPIKey string
	ExaAPIKey  string
	HTTPClient *http.Client
}

// Service handles search operations. Engines are tried in the order Exa, SerpAPI,
// DuckDuckGo HTML; only engines with credentials take part, DuckDuckGo HTML needs none.
type Service struct {
	httpClient *http.Client
	logger     *logger.Logger
	serpAPIKey string
	exaAPIKey  string

	exaURL        string
	serpAPIURL    string
	duckDuckGoURL string
}

// NewService creates a new search service.
func NewService(logger *logger.Logger, opts Options) *Service {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
		}
	}

	return &Service{
		httpClient:    client,
		logger:        logger,
		serpAPIKey:    opts.SerpAPIKey,
		exaAPIKey:     opts.ExaAPIKey,
		exaURL:        "https://api.exa.ai/search",
		serpAPIURL:    "https://serpapi.com/search.json",
		duckDuckGoURL: "https://html.duckduckgo.com/html/",
	}
}

// Engines returns the engines this service will try, in order.
func (s *Service) Engines() []string {
	engines := make([]string, 0, 3)
	if s.exaAPIKey != "" {
		engines = append(engines, EngineExa)
	}
	if s.serpAPIKey != "" {
		engines = append(engines, EngineSerpAPI)
	}
	return append(engines, EngineDuckDuckGo)
}

// Search queries the configured engines in order and returns the first non-empty result set.
// An engine that answers with no results hands over to the next one; when every engine that
// answered came back empty the result is empty, not an error.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Source, error) {
	if limit <= 0 || limit > maxResults {
		limit = maxResults
	}

	log := s.logger.WithContext(ctx).WithComponent("search")

	var (
		lastErr  error
		answered bool
	)
	for _, engine := range s.Engines() {
		start := time.Now()

		var (
			sources []Source
			err     error
		)
		switch engine {
		case EngineExa:
			sources, err = s.searchExa(ctx, query, limit)
		case EngineSerpAPI:
			sources, err = s.searchSerpAPI(ctx, query, limit)
		default:
			sources, err = s.searchDuckDuckGo(ctx, query, limit)
		}

		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("search engine failed, trying next",
				slog.String("engine", engine),
				slog.String("error", err.Error()))
			continue
		}

		sources = Dedupe(sources)
		if len(sources) == 0 {
			answered = true
			log.Debug("search engine returned no results, trying next",
				slog.String("engine", engine),
				slog.Duration("duration", time.Since(start)))
			continue
		}
		if len(sources) > limit {
			sources = sources[:limit]
		}

		log.Debug("search completed",
			slog.String("engine", engine),
			slog.Int("results", len(sources)),
			slog.Duration("duration", time.Since(start)))

		return sources, nil
	}

	if answered {
		return []Source{}, nil
	}
	return nil, fmt.Errorf("all search engines failed: %w", lastErr)
}
