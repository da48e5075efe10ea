package errors

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimitError represents a standardized 429 Too Many Requests response.
// RateLimitType distinguishes our own limits from upstream provider 429s.
type RateLimitError struct {
	Error         string    `json:"error"`
	RateLimitType string    `json:"rate_limit_type"`
	Limit         float64   `json:"limit_per_minute"`
	Burst         int       `json:"burst"`
	RetryAt       time.Time `json:"retry_at"`
}

// AbortWithRateLimit sends a 429 response with a Retry-After header and aborts the request.
func AbortWithRateLimit(c *gin.Context, err *RateLimitError) {
	if wait := time.Until(err.RetryAt); wait > 0 {
		c.Header("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// RequestRateExceeded creates a RateLimitError for per-caller request throttling.
func RequestRateExceeded(perMinute float64, burst int, retryAt time.Time) *RateLimitError {
	return &RateLimitError{
		Error:         "request rate limit exceeded",
		RateLimitType: "requests",
		Limit:         perMinute,
		Burst:         burst,
		RetryAt:       retryAt,
	}
}
