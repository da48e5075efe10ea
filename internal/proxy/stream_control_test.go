package proxy

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-research/internal/auth"
	apierrors "github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

var log *logger.Logger

func TestMain(m *testing.M) {
	flag.Parse()

	level := slog.LevelError
	if testing.Verbose() {
		level = slog.LevelDebug
	}
	log = logger.New(logger.Config{Level: level})

	os.Exit(m.Run())
}

// setupTestRouter creates a test router with a mock auth middleware
func setupTestRouter(turns *streaming.TurnManager, runner TurnRunner) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			auth.SetUserID(c, user)
		}
		c.Next()
	})

	router.POST("/chat/completions", ChatCompletionsHandler(log, runner, turns))
	router.POST("/turns/:turnID/stop", StopTurnHandler(log, turns, nil))

	return router
}

func postStop(router http.Handler, turnID, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/turns/"+turnID+"/stop", nil)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStopTurnHandler_Success(t *testing.T) {
	turns := streaming.NewTurnManager(log)
	ctx, _, err := turns.Register(context.Background(), "turn-1", "user-1", modeChat)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	router := setupTestRouter(turns, nil)
	w := postStop(router, "turn-1", "user-1")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var response StopTurnResponse
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !response.Stopped || response.TurnID != "turn-1" {
		t.Errorf("unexpected response %+v", response)
	}

	if ctx.Err() == nil {
		t.Error("turn context should be cancelled")
	}
	if cause := context.Cause(ctx); cause != streaming.ErrTurnStopped {
		t.Errorf("cause = %v, want ErrTurnStopped", cause)
	}

	stopped, by, reason := turns.Get("turn-1").StopInfo()
	if !stopped || by != "user-1" || reason != streaming.StopReasonUserCancelled {
		t.Errorf("stop info = %v %q %q", stopped, by, reason)
	}
}

func TestStopTurnHandler_Errors(t *testing.T) {
	turns := streaming.NewTurnManager(log)

	if _, _, err := turns.Register(context.Background(), "running", "user-1", modeChat); err != nil {
		t.Fatal(err)
	}
	if _, _, err := turns.Register(context.Background(), "finished", "user-1", modeChat); err != nil {
		t.Fatal(err)
	}
	turns.Complete("finished")
	if _, _, err := turns.Register(context.Background(), "stopped", "user-1", modeChat); err != nil {
		t.Fatal(err)
	}
	if err := turns.Stop("stopped", "user-1", streaming.StopReasonUserCancelled); err != nil {
		t.Fatal(err)
	}

	router := setupTestRouter(turns, nil)

	tests := []struct {
		name   string
		turnID string
		user   string
		status int
		reason string
	}{
		{"unauthenticated", "running", "", http.StatusUnauthorized, ""},
		{"unknown turn", "missing", "user-1", http.StatusNotFound, apierrors.ReasonTurnNotFound},
		{"someone else's turn", "running", "user-2", http.StatusForbidden, apierrors.ReasonTurnNotOwned},
		{"already completed", "finished", "user-1", http.StatusConflict, apierrors.ReasonTurnAlreadyEnded},
		{"already stopped", "stopped", "user-1", http.StatusConflict, apierrors.ReasonTurnAlreadyEnded},
		{"id too long", strings.Repeat("x", maxIDLength+1), "user-1", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postStop(router, tt.turnID, tt.user)
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if tt.reason == "" {
				return
			}

			var apiErr apierrors.APIError
			if err := json.Unmarshal(w.Body.Bytes(), &apiErr); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if apiErr.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", apiErr.Reason, tt.reason)
			}
		})
	}

	if turns.Get("running").IsCompleted() {
		t.Error("a rejected stop must not touch the turn")
	}
	if stopped, _, _ := turns.Get("running").StopInfo(); stopped {
		t.Error("a rejected stop must not stop the turn")
	}
}
