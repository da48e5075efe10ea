package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Machine-readable reasons attached to 403/404/409 responses.
const (
	ReasonTurnNotOwned       = "turn_not_owned"
	ReasonTurnNotFound       = "turn_not_found"
	ReasonTurnAlreadyEnded   = "turn_already_ended"
	ReasonTurnAlreadyRunning = "turn_already_running"
	ReasonReportNotFound     = "report_not_found"
)

// AbortWithBadRequest sends a 400 Bad Request response and aborts the request.
func AbortWithBadRequest(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusBadRequest, NewAPIError(message, details))
}

// AbortWithUnauthorized sends a 401 Unauthorized response and aborts the request.
func AbortWithUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, NewAPIError(message, nil))
}

// AbortWithForbidden sends a 403 Forbidden response carrying a reason code.
func AbortWithForbidden(c *gin.Context, message, reason string) {
	c.AbortWithStatusJSON(http.StatusForbidden, &APIError{Error: message, Reason: reason})
}

// AbortWithNotFound sends a 404 Not Found response carrying a reason code.
func AbortWithNotFound(c *gin.Context, message, reason string) {
	c.AbortWithStatusJSON(http.StatusNotFound, &APIError{Error: message, Reason: reason})
}

// AbortWithConflict sends a 409 Conflict response carrying a reason code.
func AbortWithConflict(c *gin.Context, message, reason string) {
	c.AbortWithStatusJSON(http.StatusConflict, &APIError{Error: message, Reason: reason})
}

// AbortWithInternal sends a 500 Internal Server Error response and aborts the request.
func AbortWithInternal(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, NewAPIError(message, details))
}

// AbortWithUnavailable sends a 503 Service Unavailable response and aborts the request.
func AbortWithUnavailable(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, NewAPIError(message, nil))
}
