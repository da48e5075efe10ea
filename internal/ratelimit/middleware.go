package ratelimit

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-research/internal/auth"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
)

// Middleware rejects callers over their request budget with a 429. It must run after
// auth.RequireAuth; unauthenticated requests pass through.
func Middleware(limiter *Limiter, logger *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, exists := auth.GetUserID(c)
		if !exists {
			c.Next()
			return
		}

		ok, retryAt := limiter.Reserve(userID)
		if !ok {
			logger.WithContext(c.Request.Context()).WithComponent("ratelimit").Warn("request rate exceeded",
				slog.String("user_id", userID),
				slog.String("path", c.Request.URL.Path))

			errors.AbortWithRateLimit(c, errors.RequestRateExceeded(limiter.perMinute, limiter.burst, retryAt))
			return
		}

		c.Next()
	}
}
