package search

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// duckDuckGoMaxBody caps how much of the result page is read.
const duckDuckGoMaxBody = 5 * 1024 * 1024

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var (
	ddgTitleRegex   = regexp.MustCompile(`(?s)<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.+?)</a>`)
	ddgSnippetRegex = regexp.MustCompile(`(?s)<a[^>]+class="result__snippet"[^>]*>(.+?)</a>`)

	ddgTagRegex        = regexp.MustCompile(`<[^>]*>`)
	ddgWhitespaceRegex = regexp.MustCompile(`\s+`)
)

// searchDuckDuckGo scrapes the DuckDuckGo HTML endpoint. It needs no credentials and is
// the last engine tried.
func (s *Service) searchDuckDuckGo(ctx context.Context, query string, limit int) ([]Source, error) {
	searchURL := s.duckDuckGoURL + "?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Accept-Encoding is left to the transport so it can decompress transparently.
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("DNT", "1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("DuckDuckGo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, duckDuckGoMaxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return parseDuckDuckGoHTML(string(body), limit), nil
}

// parseDuckDuckGoHTML extracts results from the HTML result page:
//
//	<a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=URL">Title</a>
//	<a class="result__snippet" href="...">Snippet text</a>
func parseDuckDuckGoHTML(page string, limit int) []Source {
	titleMatches := ddgTitleRegex.FindAllStringSubmatch(page, 30)
	snippetMatches := ddgSnippetRegex.FindAllStringSubmatch(page, 30)

	var sources []Source
	for i, match := range titleMatches {
		if len(match) < 3 {
			continue
		}

		actualURL := extractActualURL(strings.ReplaceAll(match[1], "&amp;", "&"))
		title := cleanHTML(match[2])
		if actualURL == "" || title == "" {
			continue
		}

		snippet := ""
		if i < len(snippetMatches) && len(snippetMatches[i]) >= 2 {
			snippet = cleanHTML(snippetMatches[i][1])
		}

		sources = append(sources, Source{
			URL:     actualURL,
			Title:   title,
			Snippet: snippet,
		})

		if len(sources) >= limit {
			break
		}
	}

	return sources
}

// extractActualURL extracts the real URL from DuckDuckGo's redirect wrapper.
func extractActualURL(ddgURL string) string {
	if strings.Contains(ddgURL, "uddg=") {
		if strings.HasPrefix(ddgURL, "//") {
			ddgURL = "https:" + ddgURL
		}
		parsed, err := url.Parse(ddgURL)
		if err != nil {
			return ""
		}
		if target := parsed.Query().Get("uddg"); target != "" {
			return target
		}
	}

	if strings.HasPrefix(ddgURL, "http://") || strings.HasPrefix(ddgURL, "https://") {
		return ddgURL
	}

	return ""
}

// cleanHTML removes tags, decodes entities and collapses whitespace.
func cleanHTML(fragment string) string {
	text := ddgTagRegex.ReplaceAllString(fragment, "")
	text = html.UnescapeString(text)
	text = ddgWhitespaceRegex.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
