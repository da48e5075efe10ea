package deepr

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eternisai/enchanted-research/internal/auth"
	apierrors "github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/storage/reports"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

const (
	eventBuffer     = 16
	reportListLimit = 20

	wsHandshakeTimeout = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second

	maxIDLength = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// ReportReader looks up archived reports. Implemented by reports.MongoStore.
type ReportReader interface {
	ListByUser(ctx context.Context, userID string, limit int64) ([]reports.Report, error)
	GetByTurnID(ctx context.Context, userID, turnID string) (*reports.Report, error)
}

// ObjectReader fetches exported files. Implemented by reports.MinioStore.
type ObjectReader interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// Handler serves deep research over SSE and websocket, plus the report archive.
type Handler struct {
	service *Service
	turns   *streaming.TurnManager
	reports ReportReader
	objects ObjectReader
	logger  *logger.Logger
}

// NewHandler wires the HTTP surface. reports and objects may be nil when archiving is off.
func NewHandler(service *Service, turns *streaming.TurnManager, reports ReportReader, objects ObjectReader, logger *logger.Logger) *Handler {
	return &Handler{
		service: service,
		turns:   turns,
		reports: reports,
		objects: objects,
		logger:  logger.WithComponent("deepr_handler"),
	}
}

// RegisterRoutes mounts the deep research endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/deep-research", h.StreamHandler)
	rg.GET("/deep-research/ws", h.WebSocketHandler)
	rg.GET("/deep-research/reports", h.ListReportsHandler)
	rg.GET("/deep-research/reports/:turnID", h.GetReportHandler)
}

// StreamHandler handles POST /deep-research and streams the turn as SSE frames.
func (h *Handler) StreamHandler(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated")
		return
	}

	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "Invalid request body", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	job, reason := newJob(req, userID)
	if reason != "" {
		apierrors.AbortWithBadRequest(c, reason, nil)
		return
	}

	ctx, _, err := h.register(c.Request.Context(), job)
	if err != nil {
		h.abortRegister(c, err)
		return
	}
	defer h.turns.Complete(job.TurnID)

	streaming.SetSSEHeaders(c.Writer.Header())
	c.Status(http.StatusOK)

	// The channel follows the client connection, not the turn, so a stopped turn still
	// delivers its final frame.
	ch := streaming.NewChannel(c.Request.Context(), eventBuffer)
	go h.run(ctx, job, ch)

	if err := streaming.NewSSEWriter(c.Writer, streaming.FormatResearch).Pump(ch.Events()); err != nil {
		h.logger.WithContext(ctx).Warn("client stopped reading research stream",
			slog.String("error", err.Error()))
	}
}

// WebSocketHandler handles GET /deep-research/ws. The request is read from the query
// string (q, conversation_id, turn_id) or, when q is absent, from the first client
// message. A {"type":"stop"} message stops the turn.
func (h *Handler) WebSocketHandler(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to upgrade connection to websocket",
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	req := Request{
		Query:          c.Query("q"),
		ConversationID: c.Query("conversation_id"),
		TurnID:         c.Query("turn_id"),
	}
	if strings.TrimSpace(req.Query) == "" {
		_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
		if err := conn.ReadJSON(&req); err != nil {
			h.closeWith(conn, websocket.CloseUnsupportedData, "expected a research request")
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
	}

	job, reason := newJob(req, userID)
	if reason != "" {
		h.closeWith(conn, websocket.ClosePolicyViolation, reason)
		return
	}

	connCtx, disconnect := context.WithCancel(c.Request.Context())
	defer disconnect()

	ctx, _, err := h.register(connCtx, job)
	if err != nil {
		h.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer h.turns.Complete(job.TurnID)

	log := h.logger.WithContext(ctx)
	log.Info("websocket research stream started", slog.String("user_id", userID))

	go h.readControl(ctx, conn, job, disconnect)

	ch := streaming.NewChannel(connCtx, eventBuffer)
	go h.run(ctx, job, ch)

	var writeErr error
	for e := range ch.Events() {
		if writeErr != nil {
			continue
		}
		payload, ok, err := streaming.Encode(streaming.FormatResearch, e)
		if err != nil || !ok {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if writeErr = conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
			log.Warn("failed to write websocket frame", slog.String("error", writeErr.Error()))
			disconnect()
		}
	}

	if writeErr == nil {
		h.closeWith(conn, websocket.CloseNormalClosure, "")
	}
}

// readControl watches the client side: stop messages stop the turn, a closed socket
// cancels it.
func (h *Handler) readControl(ctx context.Context, conn *websocket.Conn, job Job, disconnect context.CancelFunc) {
	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithContext(ctx).Debug("websocket closed unexpectedly", slog.String("error", err.Error()))
			}
			disconnect()
			return
		}

		if msg.Type == "stop" {
			if err := h.turns.Stop(job.TurnID, job.UserID, streaming.StopReasonUserCancelled); err != nil {
				h.logger.WithContext(ctx).Debug("stop request ignored", slog.String("error", err.Error()))
			}
		}
	}
}

// ListReportsHandler handles GET /deep-research/reports.
func (h *Handler) ListReportsHandler(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated")
		return
	}
	if h.reports == nil {
		apierrors.AbortWithUnavailable(c, "Report archive is not configured")
		return
	}

	list, err := h.reports.ListByUser(c.Request.Context(), userID, reportListLimit)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Error("failed to list reports",
			slog.String("user_id", userID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Failed to list reports", nil)
		return
	}
	if list == nil {
		list = []reports.Report{}
	}

	c.JSON(http.StatusOK, gin.H{"reports": list})
}

// GetReportHandler handles GET /deep-research/reports/:turnID. With ?format=markdown the
// exported Markdown file is returned instead of the JSON document.
func (h *Handler) GetReportHandler(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "User not authenticated")
		return
	}
	if h.reports == nil {
		apierrors.AbortWithUnavailable(c, "Report archive is not configured")
		return
	}

	ctx := c.Request.Context()
	turnID := c.Param("turnID")

	report, err := h.reports.GetByTurnID(ctx, userID, turnID)
	if stderrors.Is(err, reports.ErrNotFound) {
		apierrors.AbortWithNotFound(c, "Report not found", apierrors.ReasonReportNotFound)
		return
	}
	if err != nil {
		h.logger.WithContext(ctx).Error("failed to load report",
			slog.String("turn_id", turnID),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Failed to load report", nil)
		return
	}

	if c.Query("format") != "markdown" {
		c.JSON(http.StatusOK, report)
		return
	}

	if h.objects == nil || report.MarkdownObjectKey == "" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", reports.Markdown(report))
		return
	}

	data, err := h.objects.Download(ctx, report.MarkdownObjectKey)
	if err != nil {
		h.logger.WithContext(ctx).Error("failed to download report",
			slog.String("key", report.MarkdownObjectKey),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "Failed to download report", nil)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", data)
}

func (h *Handler) register(ctx context.Context, job Job) (context.Context, *streaming.ActiveTurn, error) {
	ctx = logger.WithUserID(ctx, job.UserID)
	ctx = logger.WithOperation(ctx, modeDeepResearch)
	if job.ConversationID != "" {
		ctx = logger.WithConversationID(ctx, job.ConversationID)
	}
	return h.turns.Register(ctx, job.TurnID, job.UserID, modeDeepResearch)
}

func (h *Handler) abortRegister(c *gin.Context, err error) {
	if stderrors.Is(err, streaming.ErrTurnExists) {
		apierrors.AbortWithConflict(c, "A turn with this id is already running", apierrors.ReasonTurnAlreadyRunning)
		return
	}
	h.logger.WithContext(c.Request.Context()).Error("failed to register turn", slog.String("error", err.Error()))
	apierrors.AbortWithInternal(c, "Failed to start research", nil)
}

func (h *Handler) run(ctx context.Context, job Job, sink streaming.Sink) {
	if _, err := h.service.Run(ctx, job, sink); err != nil {
		h.logger.WithContext(ctx).Debug("research turn ended with error", slog.String("error", err.Error()))
	}
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

// newJob returns the job for req, or a non-empty reason the request is rejected.
func newJob(req Request, userID string) (Job, string) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Job{}, "Missing required field 'query'"
	}
	if len(req.ConversationID) > maxIDLength || len(req.TurnID) > maxIDLength {
		return Job{}, "conversation_id and turn_id must be at most 256 characters"
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = uuid.New().String()
	}

	return Job{
		Query:          query,
		UserID:         userID,
		ConversationID: req.ConversationID,
		TurnID:         turnID,
	}, ""
}
