package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/eternisai/enchanted-research/internal/logger"
)

const (
	// MaxFetches is the hard cap on pages fetched for one query.
	MaxFetches = 5

	fetchMaxBody = 2 * 1024 * 1024
	pageMaxText  = 8000
)

// Page is a fetched source with its readable text.
type Page struct {
	Source Source
	Text   string
}

// Fetcher downloads result pages concurrently.
type Fetcher struct {
	httpClient *http.Client
	logger     *logger.Logger
	timeout    time.Duration
}

// NewFetcher creates a fetcher. timeout bounds each page independently.
func NewFetcher(logger *logger.Logger, httpClient *http.Client, timeout time.Duration) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Fetcher{
		httpClient: httpClient,
		logger:     logger,
		timeout:    timeout,
	}
}

// FetchPages fetches up to limit (never more than MaxFetches) of the given sources in
// parallel. Failed fetches are skipped; the returned pages keep the input order.
func (f *Fetcher) FetchPages(ctx context.Context, sources []Source, limit int) []Page {
	if limit <= 0 || limit > MaxFetches {
		limit = MaxFetches
	}
	if len(sources) > limit {
		sources = sources[:limit]
	}

	log := f.logger.WithContext(ctx).WithComponent("fetcher")
	results := make([]*Page, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, source := range sources {
		i, source := i, source
		g.Go(func() error {
			text, err := f.fetch(gctx, source.URL)
			if err != nil {
				log.Debug("page fetch failed",
					slog.String("url", source.URL),
					slog.String("error", err.Error()))
				return nil
			}
			results[i] = &Page{Source: source, Text: text}
			return nil
		})
	}
	_ = g.Wait()

	pages := make([]Page, 0, len(results))
	for _, p := range results {
		if p != nil && p.Text != "" {
			pages = append(pages, *p)
		}
	}
	return pages
}

func (f *Fetcher) fetch(ctx context.Context, pageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, fetchMaxBody)

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/plain":
		raw, err := io.ReadAll(body)
		if err != nil {
			return "", err
		}
		return truncate(collapseWhitespace(string(raw)), pageMaxText), nil
	case "text/html", "application/xhtml+xml", "":
		return extractText(body)
	default:
		return "", fmt.Errorf("unsupported content type %q", mediaType)
	}
}

// extractText returns the visible text of an HTML document, skipping scripts, styles and
// navigation chrome.
func extractText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)

	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return truncate(collapseWhitespace(b.String()), pageMaxText), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			if isSkippedTag(string(name)) {
				skip++
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if isSkippedTag(string(name)) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
		if b.Len() > pageMaxText*2 {
			return truncate(collapseWhitespace(b.String()), pageMaxText), nil
		}
	}
}

func isSkippedTag(name string) bool {
	switch name {
	case "script", "style", "noscript", "nav", "header", "footer", "svg", "head":
		return true
	}
	return false
}

func collapseWhitespace(s string) string {
	return strings.TrimSpace(ddgWhitespaceRegex.ReplaceAllString(s, " "))
}
