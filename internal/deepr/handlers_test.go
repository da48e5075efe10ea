package deepr

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eternisai/enchanted-research/internal/auth"
	apierrors "github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/logger"
	"github.com/eternisai/enchanted-research/internal/storage/reports"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

type fakeReportReader struct {
	reports map[string]*reports.Report
}

func (f *fakeReportReader) ListByUser(ctx context.Context, userID string, limit int64) ([]reports.Report, error) {
	var out []reports.Report
	for _, r := range f.reports {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeReportReader) GetByTurnID(ctx context.Context, userID, turnID string) (*reports.Report, error) {
	r, ok := f.reports[turnID]
	if !ok || r.UserID != userID {
		return nil, reports.ErrNotFound
	}
	return r, nil
}

func newTestRouter(t *testing.T, h *Handler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	group := r.Group("/", func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			auth.SetUserID(c, user)
		}
		c.Next()
	})
	h.RegisterRoutes(group)
	return r
}

func newTestHandler(t *testing.T, turns *streaming.TurnManager, reader ReportReader, objects ObjectReader) *Handler {
	backend := scriptedResearch(t, testOutline(5), 0)
	svc := newTestService(map[string]gateway.Backend{"primary": backend}, []string{"primary"},
		&fakeSearcher{sources: testSources()}, Options{})
	return NewHandler(svc, turns, reader, objects, logger.Discard())
}

func postResearch(router http.Handler, user string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/deep-research", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStreamHandler(t *testing.T) {
	turns := streaming.NewTurnManager(logger.Discard())
	router := newTestRouter(t, newTestHandler(t, turns, nil, nil))

	w := postResearch(router, "u1", Request{Query: "state of solid state batteries", TurnID: "turn-1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Equal(t, 5, strings.Count(body, `"type":"section"`))
	assert.Equal(t, 1, strings.Count(body, `"type":"result"`))
	assert.NotContains(t, body, `"type":"error"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.True(t, strings.HasPrefix(body, `data: {"type":"progress","progress":5`))

	turn := turns.Get("turn-1")
	require.NotNil(t, turn)
	assert.True(t, turn.IsCompleted())
}

func TestStreamHandlerRejects(t *testing.T) {
	turns := streaming.NewTurnManager(logger.Discard())
	router := newTestRouter(t, newTestHandler(t, turns, nil, nil))

	_, _, err := turns.Register(context.Background(), "busy", "u1", modeDeepResearch)
	require.NoError(t, err)

	tests := []struct {
		name   string
		user   string
		body   any
		status int
		reason string
	}{
		{name: "unauthenticated", body: Request{Query: "q"}, status: http.StatusUnauthorized},
		{name: "missing query", user: "u1", body: map[string]string{"turn_id": "x"}, status: http.StatusBadRequest},
		{name: "blank query", user: "u1", body: Request{Query: "   "}, status: http.StatusBadRequest},
		{name: "turn already running", user: "u1", body: Request{Query: "q", TurnID: "busy"}, status: http.StatusConflict, reason: apierrors.ReasonTurnAlreadyRunning},
		{name: "turn id too long", user: "u1", body: Request{Query: "q", TurnID: strings.Repeat("t", maxIDLength+1)}, status: http.StatusBadRequest},
		{name: "conversation id too long", user: "u1", body: Request{Query: "q", ConversationID: strings.Repeat("c", maxIDLength+1)}, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postResearch(router, tt.user, tt.body)
			assert.Equal(t, tt.status, w.Code)

			if tt.reason != "" {
				var apiErr apierrors.APIError
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
				assert.Equal(t, tt.reason, apiErr.Reason)
			}
		})
	}
}

func TestWebSocketHandler(t *testing.T) {
	turns := streaming.NewTurnManager(logger.Discard())
	router := newTestRouter(t, newTestHandler(t, turns, nil, nil))
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/deep-research/ws"
	header := http.Header{"X-Test-User": []string{"u1"}}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Request{Query: "state of solid state batteries"}))

	var types []string
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(data) == streaming.DoneMarker {
			break
		}
		var frame struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal(data, &frame))
		types = append(types, frame.Type)
	}

	sections := 0
	for _, typ := range types {
		if typ == "section" {
			sections++
		}
	}
	assert.Equal(t, 5, sections)
	assert.Equal(t, "result", types[len(types)-1])
}

func TestWebSocketHandlerRejectsLongTurnID(t *testing.T) {
	turns := streaming.NewTurnManager(logger.Discard())
	router := newTestRouter(t, newTestHandler(t, turns, nil, nil))
	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/deep-research/ws?q=batteries&turn_id=" + strings.Repeat("t", maxIDLength+1)
	header := http.Header{"X-Test-User": []string{"u1"}}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected close: %v", err)
	assert.Empty(t, turns.Active())
}

func TestReportHandlers(t *testing.T) {
	report := &reports.Report{
		UserID:            "u1",
		TurnID:            "t1",
		Title:             "Batteries",
		MarkdownObjectKey: reports.ObjectKey("u1", "t1"),
	}
	reader := &fakeReportReader{reports: map[string]*reports.Report{"t1": report}}
	objects := &fakeObjects{objects: map[string][]byte{reports.ObjectKey("u1", "t1"): []byte("# Batteries\n")}}

	router := newTestRouter(t, newTestHandler(t, streaming.NewTurnManager(logger.Discard()), reader, objects))

	get := func(path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Test-User", user)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("list", func(t *testing.T) {
		w := get("/deep-research/reports", "u1")
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Reports []reports.Report `json:"reports"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.Len(t, body.Reports, 1)
		assert.Equal(t, "Batteries", body.Reports[0].Title)
	})

	t.Run("list for other user is empty", func(t *testing.T) {
		w := get("/deep-research/reports", "u2")
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"reports":[]}`, w.Body.String())
	})

	t.Run("markdown", func(t *testing.T) {
		w := get("/deep-research/reports/t1?format=markdown", "u1")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "# Batteries\n", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	})

	t.Run("not found", func(t *testing.T) {
		w := get("/deep-research/reports/t1", "u2")
		require.Equal(t, http.StatusNotFound, w.Code)
		var apiErr apierrors.APIError
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
		assert.Equal(t, apierrors.ReasonReportNotFound, apiErr.Reason)
	})
}

func TestReportHandlersWithoutArchive(t *testing.T) {
	router := newTestRouter(t, newTestHandler(t, streaming.NewTurnManager(logger.Discard()), nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/deep-research/reports", nil)
	req.Header.Set("X-Test-User", "u1")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
