package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/search"
)

const (
	ResearchProviderName = "research"

	charsPerToken = 4

	defaultMaxSearchResults   = 8
	defaultContextTokenBudget = 1500
)

// PageFetcher downloads the readable text of search results.
type PageFetcher interface {
	FetchPages(ctx context.Context, sources []search.Source, limit int) []search.Page
}

// Cache stores research results between turns. Failures are logged and ignored.
type Cache interface {
	Get(ctx context.Context, key string, v any) (bool, error)
	Set(ctx context.Context, key string, v any) error
}

type ResearchOptions struct {
	MaxSearchResults   int
	MaxFetchURLs       int
	ContextTokenBudget int
	Timeout            time.Duration
}

// ResearchProvider searches the web for the user's question and condenses the results into
// numbered context the model can cite.
type ResearchProvider struct {
	searcher search.Searcher
	fetcher  PageFetcher
	cache    Cache
	opts     ResearchOptions
	logger   *logger.Logger
}

// NewResearchProvider creates the provider. fetcher and cache may be nil.
func NewResearchProvider(searcher search.Searcher, fetcher PageFetcher, cache Cache, opts ResearchOptions, logger *logger.Logger) *ResearchProvider {
	if opts.MaxSearchResults <= 0 {
		opts.MaxSearchResults = defaultMaxSearchResults
	}
	if opts.MaxFetchURLs <= 0 || opts.MaxFetchURLs > search.MaxFetches {
		opts.MaxFetchURLs = search.MaxFetches
	}
	if opts.ContextTokenBudget <= 0 {
		opts.ContextTokenBudget = defaultContextTokenBudget
	}
	return &ResearchProvider{
		searcher: searcher,
		fetcher:  fetcher,
		cache:    cache,
		opts:     opts,
		logger:   logger.WithComponent("research"),
	}
}

func (p *ResearchProvider) Name() string {
	return ResearchProviderName
}

func (p *ResearchProvider) Start(ctx context.Context, input Input, onProgress ProgressFunc) *Handle {
	if onProgress == nil {
		onProgress = func(string) {}
	}
	return Run(ctx, ResearchProviderName, p.opts.Timeout, p.logger, func(ctx context.Context) (Result, error) {
		return p.research(ctx, input.Query, onProgress)
	})
}

func (p *ResearchProvider) research(ctx context.Context, query string, onProgress ProgressFunc) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Absent("empty query"), nil
	}
	log := p.logger.WithContext(ctx)
	key := cacheKey(query)

	if p.cache != nil {
		var cached ResearchResult
		found, err := p.cache.Get(ctx, key, &cached)
		if err != nil {
			log.Warn("research cache read failed", slog.String("error", err.Error()))
		} else if found && len(cached.Sources) > 0 {
			log.Debug("research cache hit", slog.String("query", query))
			return Research(cached.Sources, cached.ContextText), nil
		}
	}

	onProgress("Searching the web")
	sources, err := p.searcher.Search(ctx, query, p.opts.MaxSearchResults)
	if err != nil {
		return Result{}, fmt.Errorf("search: %w", err)
	}
	sources = search.Dedupe(sources)
	if len(sources) == 0 {
		return Absent("no search results"), nil
	}

	var pages []search.Page
	if p.fetcher != nil {
		n := min(len(sources), p.opts.MaxFetchURLs)
		onProgress(fmt.Sprintf("Reading %d sources", n))
		pages = p.fetcher.FetchPages(ctx, sources, n)
	}

	contextText := buildContext(query, sources, pages, p.opts.ContextTokenBudget)
	result := Research(sources, contextText)

	if p.cache != nil {
		if err := p.cache.Set(ctx, key, result.Research); err != nil {
			log.Warn("research cache write failed", slog.String("error", err.Error()))
		}
	}

	log.Info("research completed",
		slog.Int("sources", len(sources)),
		slog.Int("pages", len(pages)),
		slog.Int("context_chars", len(contextText)))
	return result, nil
}

// cacheKey normalises a query so trivially different phrasings share an entry.
func cacheKey(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// buildContext renders sources as a numbered list matching citation order, using page text
// where it was fetched and the snippet otherwise. The whole text stays within budget tokens.
func buildContext(query string, sources []search.Source, pages []search.Page, budget int) string {
	text := make(map[string]string, len(pages))
	for _, page := range pages {
		text[page.Source.URL] = page.Text
	}

	header := fmt.Sprintf("Web search results for %q. Cite sources inline by number, like [1].\n", query)
	maxChars := budget * charsPerToken
	remaining := maxChars - len(header)
	if remaining <= 0 {
		return truncateRunes(header, maxChars)
	}
	perSource := remaining / len(sources)

	var b strings.Builder
	b.WriteString(header)
	for i, s := range sources {
		body := text[s.URL]
		if body == "" {
			body = s.Snippet
		}
		entry := fmt.Sprintf("\n[%d] %s (%s)\n%s\n", i+1, s.Title, s.URL, body)
		b.WriteString(truncateRunes(entry, perSource))
	}
	return b.String()
}

// truncateRunes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
