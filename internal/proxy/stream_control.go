package proxy

import (
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-research/internal/auth"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

// StopTurnResponse is returned by a successful stop.
type StopTurnResponse struct {
	TurnID     string `json:"turn_id"`
	Stopped    bool   `json:"stopped"`
	InstanceID string `json:"instance_id,omitempty"`
}

// StopTurnHandler handles POST /turns/:turnID/stop.
// A turn held by this instance is stopped directly; otherwise the request is forwarded to
// the other instances when cancels is set.
func StopTurnHandler(
	logger *logger.Logger,
	turns *streaming.TurnManager,
	cancels *streaming.DistributedCancelService,
) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.WithContext(c.Request.Context()).WithComponent("stream-control")

		userID, exists := auth.GetUserID(c)
		if !exists {
			errors.AbortWithUnauthorized(c, "Authentication required")
			return
		}

		turnID := c.Param("turnID")
		if turnID == "" || len(turnID) > maxIDLength {
			errors.AbortWithBadRequest(c, "turnID is missing or exceeds maximum length", nil)
			return
		}

		log.Info("stop request received",
			slog.String("turn_id", turnID),
			slog.String("user_id", userID))

		if turn := turns.Get(turnID); turn != nil {
			stopLocal(c, log, turns, turn, userID)
			return
		}

		if cancels == nil {
			errors.AbortWithNotFound(c, "Turn not found", errors.ReasonTurnNotFound)
			return
		}

		resp, err := cancels.RequestCancel(c.Request.Context(), turnID, userID)
		if err != nil {
			log.Error("distributed stop failed",
				slog.String("turn_id", turnID),
				slog.String("error", err.Error()))
			errors.AbortWithInternal(c, "Failed to stop turn", nil)
			return
		}

		switch {
		case !resp.Found:
			errors.AbortWithNotFound(c, "Turn not found", errors.ReasonTurnNotFound)
		case resp.NotOwned:
			errors.AbortWithForbidden(c, "Forbidden: you don't own this turn", errors.ReasonTurnNotOwned)
		case resp.AlreadyStopped || resp.AlreadyComplete:
			errors.AbortWithConflict(c, "Turn already ended", errors.ReasonTurnAlreadyEnded)
		case !resp.Success:
			log.Error("remote instance failed to stop turn",
				slog.String("turn_id", turnID),
				slog.String("instance_id", resp.InstanceID),
				slog.String("error", resp.Error))
			errors.AbortWithInternal(c, "Failed to stop turn", nil)
		default:
			c.JSON(http.StatusOK, StopTurnResponse{TurnID: turnID, Stopped: true, InstanceID: resp.InstanceID})
		}
	}
}

func stopLocal(c *gin.Context, log *logger.Logger, turns *streaming.TurnManager, turn *streaming.ActiveTurn, userID string) {
	if turn.UserID != userID {
		log.Warn("turn ownership verification failed",
			slog.String("user_id", userID),
			slog.String("turn_id", turn.ID))
		errors.AbortWithForbidden(c, "Forbidden: you don't own this turn", errors.ReasonTurnNotOwned)
		return
	}

	err := turns.Stop(turn.ID, userID, streaming.StopReasonUserCancelled)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, StopTurnResponse{TurnID: turn.ID, Stopped: true})
	case stderrors.Is(err, streaming.ErrTurnAlreadyStopped), stderrors.Is(err, streaming.ErrTurnAlreadyCompleted):
		errors.AbortWithConflict(c, "Turn already ended", errors.ReasonTurnAlreadyEnded)
	case stderrors.Is(err, streaming.ErrTurnNotFound):
		errors.AbortWithNotFound(c, "Turn not found", errors.ReasonTurnNotFound)
	default:
		log.Error("failed to stop turn",
			slog.String("turn_id", turn.ID),
			slog.String("error", err.Error()))
		errors.AbortWithInternal(c, "Failed to stop turn", nil)
	}
}
