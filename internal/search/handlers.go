package search

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-research/internal/auth"
	apierrors "github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
)

// Handler handles HTTP requests for search operations
type Handler struct {
	searcher Searcher
	logger   *logger.Logger
}

// NewHandler creates a new search handler
func NewHandler(searcher Searcher, logger *logger.Logger) *Handler {
	return &Handler{
		searcher: searcher,
		logger:   logger,
	}
}

// SearchRequest is the POST /search body.
type SearchRequest struct {
	Query string `json:"query" binding:"required"`
	Count int    `json:"count,omitempty"`
}

// SearchResponse represents the standardized search response.
type SearchResponse struct {
	Query          string         `json:"query"`
	Results        []SearchResult `json:"results"`
	ProcessingTime string         `json:"processing_time"`
}

// SearchResult represents a single search result.
type SearchResult struct {
	Position int    `json:"position"`
	Title    string `json:"title"`
	Link     string `json:"link"`
	Snippet  string `json:"snippet"`
	Source   string `json:"source,omitempty"`
}

// SearchHandler handles GET /search requests
// Query parameters:
//   - q (required): search query
//   - count (optional): number of results, default 10, max 10
func (h *Handler) SearchHandler(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		apierrors.AbortWithBadRequest(c, "Missing required parameter 'q' (search query)", nil)
		return
	}

	count, err := strconv.Atoi(c.DefaultQuery("count", "10"))
	if err != nil {
		count = maxResults
	}

	h.search(c, query, count)
}

// PostSearchHandler handles POST /search requests with JSON body
func (h *Handler) PostSearchHandler(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	query := strings.TrimSpace(req.Query)
	if query == "" {
		apierrors.AbortWithBadRequest(c, "Missing required field 'query'", nil)
		return
	}

	h.search(c, query, req.Count)
}

func (h *Handler) search(c *gin.Context, query string, count int) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("search_handler")
	userID, _ := auth.GetUserID(c)

	if count < 1 || count > maxResults {
		count = maxResults
	}

	start := time.Now()
	sources, err := h.searcher.Search(c.Request.Context(), query, count)
	if err != nil {
		log.Error("search request failed",
			slog.String("query", query),
			slog.String("error", err.Error()),
			slog.String("user_id", userID))

		// Don't expose internal error details to client
		apierrors.AbortWithInternal(c, "Search request failed", nil)
		return
	}

	results := make([]SearchResult, 0, len(sources))
	for i, s := range sources {
		results = append(results, SearchResult{
			Position: i + 1,
			Title:    s.Title,
			Link:     s.URL,
			Snippet:  s.Snippet,
			Source:   extractDomain(s.URL),
		})
	}

	elapsed := time.Since(start)
	log.Info("search request completed",
		slog.String("query", query),
		slog.Int("results_count", len(results)),
		slog.Duration("duration", elapsed),
		slog.String("user_id", userID))

	c.JSON(http.StatusOK, SearchResponse{
		Query:          query,
		Results:        results,
		ProcessingTime: strconv.FormatFloat(float64(elapsed.Microseconds())/1000, 'f', 2, 64) + "ms",
	})
}
