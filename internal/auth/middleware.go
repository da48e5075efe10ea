package auth

import (
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

// UserIDKey is the gin context key holding the caller id.
const UserIDKey contextKey = "user_id"

type Middleware struct {
	validator TokenValidator
	logger    *logger.Logger
}

func NewMiddleware(validator TokenValidator, logger *logger.Logger) *Middleware {
	return &Middleware{
		validator: validator,
		logger:    logger.WithComponent("auth"),
	}
}

// RequireAuth validates the bearer token and attaches the caller id to the request.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")

		// Browser WebSocket API doesn't support custom headers during upgrade
		if authHeader == "" && c.Request.Header.Get("Upgrade") == "websocket" {
			if token := c.Query("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}

		if authHeader == "" {
			apierrors.AbortWithUnauthorized(c, "Authorization header is required")
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			apierrors.AbortWithUnauthorized(c, "Authorization header must be a Bearer token")
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			apierrors.AbortWithUnauthorized(c, "Bearer token is empty")
			return
		}

		userID, err := m.validator.ValidateToken(token)
		if err != nil {
			m.logger.WithContext(c.Request.Context()).Debug("token rejected", slog.String("error", err.Error()))
			apierrors.AbortWithUnauthorized(c, "Invalid or expired token")
			return
		}

		SetUserID(c, userID)
		c.Next()
	}
}

// SetUserID attaches the caller id to both the gin context and the request context.
func SetUserID(c *gin.Context, userID string) {
	c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), userID))
	c.Set(string(UserIDKey), userID)
}

// GetUserID extracts the caller id from the Gin context.
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(string(UserIDKey))
	if !exists {
		return "", false
	}

	id, ok := userID.(string)
	return id, ok && id != ""
}
