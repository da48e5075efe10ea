package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// serpAPIDuckDuckGoResponse represents the raw SerpAPI DuckDuckGo response.
type serpAPIDuckDuckGoResponse struct {
	OrganicResults []struct {
		Position int    `json:"position"`
		Title    string `json:"title"`
		Link     string `json:"link"`
		Snippet  string `json:"snippet"`
	} `json:"organic_results"`
	SearchMetadata struct {
		Status         string  `json:"status"`
		TotalTimeTaken float64 `json:"total_time_taken"`
	} `json:"search_metadata"`
	Error string `json:"error,omitempty"`
}

// searchSerpAPI performs a DuckDuckGo search via SerpAPI.
func (s *Service) searchSerpAPI(ctx context.Context, query string, limit int) ([]Source, error) {
	params := url.Values{}
	params.Set("api_key", s.serpAPIKey)
	params.Set("engine", "duckduckgo")
	params.Set("q", query)

	// Always use US English settings
	params.Set("kl", "us-en")
	params.Set("safe", "-1")
	params.Set("no_cache", "true")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.serpAPIURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

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
		return nil, fmt.Errorf("SerpAPI returned status %d: %s", resp.StatusCode, string(body))
	}

	var serpResp serpAPIDuckDuckGoResponse
	if err := json.Unmarshal(body, &serpResp); err != nil {
		return nil, fmt.Errorf("failed to parse SerpAPI response: %w", err)
	}

	if serpResp.Error != "" {
		return nil, fmt.Errorf("SerpAPI error: %s", serpResp.Error)
	}

	sources := make([]Source, 0, len(serpResp.OrganicResults))
	for _, result := range serpResp.OrganicResults {
		if len(sources) == limit {
			break
		}
		sources = append(sources, Source{
			URL:     result.Link,
			Title:   result.Title,
			Snippet: result.Snippet,
		})
	}

	return sources, nil
}
