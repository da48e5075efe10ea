package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// exaSummaryQuery asks Exa for a short, citation-friendly page summary.
const exaSummaryQuery = "Summarize the page in two or three sentences. Keep concrete numbers, names and dates."

// exaAPIResponse is the subset of the Exa search response we use.
type exaAPIResponse struct {
	Results []struct {
		ID            string  `json:"id"`
		URL           string  `json:"url"`
		Title         string  `json:"title"`
		Score         float64 `json:"score,omitempty"`
		PublishedDate string  `json:"publishedDate,omitempty"`
		Text          string  `json:"text,omitempty"`
		Summary       string  `json:"summary,omitempty"`
	} `json:"results"`
	RequestID string `json:"requestId,omitempty"`
}

// searchExa performs a search using Exa AI API.
func (s *Service) searchExa(ctx context.Context, query string, limit int) ([]Source, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"query":      query,
		"type":       "auto",
		"numResults": limit,
		"contents": map[string]interface{}{
			"summary": map[string]interface{}{
				"query": exaSummaryQuery,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build API payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.exaURL, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.exaAPIKey)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to Exa API returned status %d: %s", resp.StatusCode, string(body))
	}

	var exaResp exaAPIResponse
	if err := json.Unmarshal(body, &exaResp); err != nil {
		return nil, fmt.Errorf("failed to parse Exa API response: %w", err)
	}

	sources := make([]Source, 0, len(exaResp.Results))
	for _, result := range exaResp.Results {
		snippet := result.Summary
		if snippet == "" {
			snippet = truncate(result.Text, 300)
		}
		sources = append(sources, Source{
			URL:     result.URL,
			Title:   result.Title,
			Snippet: snippet,
		})
	}

	return sources, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
