package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eternisai/enchanted-research/internal/auth"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/orchestrator"
	"github.com/eternisai/enchanted-research/internal/streaming"
	"github.com/eternisai/enchanted-research/internal/weather"
)

const (
	modeChat    = "chat"
	eventBuffer = 32

	// Maximum length for client supplied ids to prevent memory abuse
	maxIDLength = 256
)

// TurnRunner streams a chat turn. Implemented by orchestrator.Orchestrator.
type TurnRunner interface {
	Run(ctx context.Context, turn orchestrator.Turn, sink streaming.Sink) error
}

// ChatCompletionRequest is the POST /chat/completions body.
type ChatCompletionRequest struct {
	Model          string                    `json:"model"           binding:"required"`
	Messages       []gateway.Message         `json:"messages"        binding:"required,min=1"`
	Temperature    *float64                  `json:"temperature,omitempty"`
	MaxTokens      *int                      `json:"max_tokens,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
	TurnID         string                    `json:"turn_id,omitempty"`
	Attachments    []orchestrator.Attachment `json:"attachments,omitempty"`
	Location       *weather.Location         `json:"location,omitempty"`
}

func (r *ChatCompletionRequest) validate() error {
	for i, m := range r.Messages {
		switch m.Role {
		case gateway.RoleUser, gateway.RoleAssistant, gateway.RoleSystem:
		default:
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	if len(r.ConversationID) > maxIDLength || len(r.TurnID) > maxIDLength {
		return fmt.Errorf("conversation_id or turn_id exceeds maximum length")
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be positive")
	}
	return nil
}

func (r *ChatCompletionRequest) toTurn(userID, turnID string) orchestrator.Turn {
	return orchestrator.Turn{
		Messages:  r.Messages,
		BackendID: r.Model,
		Params: gateway.Params{
			Temperature: r.Temperature,
			MaxTokens:   r.MaxTokens,
		},
		Attachments:    r.Attachments,
		Location:       r.Location,
		UserID:         userID,
		ConversationID: r.ConversationID,
		TurnID:         turnID,
	}
}

// ChatCompletionsHandler handles POST /chat/completions. The turn is registered so it can
// be stopped, then streamed as SSE frames until the terminal frame.
func ChatCompletionsHandler(baseLogger *logger.Logger, runner TurnRunner, turns *streaming.TurnManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		log := baseLogger.WithContext(c.Request.Context()).WithComponent("proxy")

		userID, exists := auth.GetUserID(c)
		if !exists {
			errors.AbortWithUnauthorized(c, "Authentication required")
			return
		}

		var req ChatCompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			errors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		if err := req.validate(); err != nil {
			errors.AbortWithBadRequest(c, err.Error(), nil)
			return
		}

		turnID := strings.TrimSpace(req.TurnID)
		if turnID == "" {
			turnID = uuid.New().String()
		}

		ctx := logger.WithOperation(c.Request.Context(), modeChat)
		ctx, active, err := turns.Register(ctx, turnID, userID, modeChat)
		if err != nil {
			if stderrors.Is(err, streaming.ErrTurnExists) {
				errors.AbortWithConflict(c, "A turn with this id is already running", errors.ReasonTurnAlreadyRunning)
				return
			}
			log.Error("failed to register turn", slog.String("error", err.Error()))
			errors.AbortWithInternal(c, "Failed to start turn", nil)
			return
		}
		defer turns.Complete(turnID)

		turn := req.toTurn(userID, turnID)
		turn.Control = active

		streaming.SetSSEHeaders(c.Writer.Header())
		c.Header("X-Turn-ID", turnID)
		c.Status(http.StatusOK)

		// The channel follows the client connection, not the turn, so a stopped turn still
		// delivers its final frame.
		ch := streaming.NewChannel(c.Request.Context(), eventBuffer)
		go func() {
			err := runner.Run(ctx, turn, ch)
			if !ch.Terminated() {
				// Runner returned without ending the stream; close it for the writer.
				if err == nil {
					err = stderrors.New("turn ended without a terminal event")
				}
				_ = ch.Send(streaming.ErrorEvent(err))
			}
		}()

		if err := streaming.NewSSEWriter(c.Writer, streaming.FormatChat).Pump(ch.Events()); err != nil {
			log.Warn("client stopped reading chat stream", slog.String("error", err.Error()))
		}

		log.Info("chat turn finished",
			slog.String("turn_id", turnID),
			slog.String("backend", req.Model),
			slog.Duration("duration", time.Since(start)))
	}
}
