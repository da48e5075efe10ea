package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eternisai/enchanted-research/internal/gateway"
	"github.com/eternisai/enchanted-research/internal/orchestrator"
	"github.com/eternisai/enchanted-research/internal/streaming"
)

func newTestOrchestrator(backend *gateway.ScriptedBackend) *orchestrator.Orchestrator {
	registry := gateway.NewStaticRegistry(map[string]gateway.Backend{"test-model": backend}, log)
	return orchestrator.New(registry, orchestrator.Options{}, log)
}

func postChat(router http.Handler, user string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func chatRequest(turnID string) ChatCompletionRequest {
	return ChatCompletionRequest{
		Model:    "test-model",
		Messages: []gateway.Message{{Role: gateway.RoleUser, Content: "write me a haiku"}},
		TurnID:   turnID,
	}
}

func TestChatCompletionsHandler_Streams(t *testing.T) {
	backend := &gateway.ScriptedBackend{Tokens: []string{"Hel", "lo"}}
	turns := streaming.NewTurnManager(log)
	router := setupTestRouter(turns, newTestOrchestrator(backend))

	w := postChat(router, "user-1", chatRequest("turn-1"))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if id := w.Header().Get("X-Turn-ID"); id != "turn-1" {
		t.Errorf("X-Turn-ID = %q", id)
	}

	want := "data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n"
	if got := w.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	if !turns.Get("turn-1").IsCompleted() {
		t.Error("turn should be completed after the response")
	}

	reqs := backend.Requests()
	if len(reqs) != 1 || reqs[0].Model != "test-model" {
		t.Fatalf("unexpected backend requests %+v", reqs)
	}
}

func TestChatCompletionsHandler_BackendError(t *testing.T) {
	backend := &gateway.ScriptedBackend{Tokens: []string{"partial"}, StreamErr: stderrors.New("connection reset")}
	router := setupTestRouter(streaming.NewTurnManager(log), newTestOrchestrator(backend))

	w := postChat(router, "user-1", chatRequest(""))

	body := w.Body.String()
	if !strings.Contains(body, `data: {"content":"partial"}`) {
		t.Errorf("missing partial content in %q", body)
	}
	if !strings.Contains(body, `"kind":"upstream_error"`) {
		t.Errorf("missing error frame in %q", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("an error ends the stream without [DONE]")
	}
	if w.Header().Get("X-Turn-ID") == "" {
		t.Error("a turn id should be generated")
	}
}

func TestChatCompletionsHandler_Rejects(t *testing.T) {
	turns := streaming.NewTurnManager(log)
	if _, _, err := turns.Register(context.Background(), "busy", "user-1", modeChat); err != nil {
		t.Fatal(err)
	}
	router := setupTestRouter(turns, newTestOrchestrator(&gateway.ScriptedBackend{}))

	badRole := chatRequest("")
	badRole.Messages = []gateway.Message{{Role: "tool", Content: "x"}}

	noModel := chatRequest("")
	noModel.Model = ""

	noMessages := chatRequest("")
	noMessages.Messages = nil

	hot := 3.5
	badTemperature := chatRequest("")
	badTemperature.Temperature = &hot

	tests := []struct {
		name   string
		user   string
		body   ChatCompletionRequest
		status int
	}{
		{"unauthenticated", "", chatRequest(""), http.StatusUnauthorized},
		{"missing model", "user-1", noModel, http.StatusBadRequest},
		{"missing messages", "user-1", noMessages, http.StatusBadRequest},
		{"unsupported role", "user-1", badRole, http.StatusBadRequest},
		{"temperature out of range", "user-1", badTemperature, http.StatusBadRequest},
		{"turn already running", "user-1", chatRequest("busy"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postChat(router, tt.user, tt.body)
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestChatCompletionsHandler_StopMidStream(t *testing.T) {
	tokens := make([]string, 100)
	for i := range tokens {
		tokens[i] = "tok "
	}
	backend := &gateway.ScriptedBackend{Tokens: tokens, Delay: 10 * time.Millisecond}
	turns := streaming.NewTurnManager(log)
	router := setupTestRouter(turns, newTestOrchestrator(backend))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- postChat(router, "user-1", chatRequest("turn-stop"))
	}()

	deadline := time.Now().Add(2 * time.Second)
	for turns.Get("turn-stop") == nil {
		if time.Now().After(deadline) {
			t.Fatal("turn was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if w := postStop(router, "turn-stop", "user-1"); w.Code != http.StatusOK {
		t.Fatalf("stop: expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var w *httptest.ResponseRecorder
	select {
	case w = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after stop")
	}

	body := w.Body.String()
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("a user stop ends with [DONE], got %q", body)
	}
	if strings.Contains(body, `"error"`) {
		t.Errorf("a user stop must not produce an error frame: %q", body)
	}
	if strings.Count(body, `"content"`) >= len(tokens) {
		t.Error("stream should have been cut short")
	}
}

type silentRunner struct{}

func (silentRunner) Run(ctx context.Context, turn orchestrator.Turn, sink streaming.Sink) error {
	return nil
}

func TestChatCompletionsHandler_RunnerWithoutTerminalEvent(t *testing.T) {
	router := setupTestRouter(streaming.NewTurnManager(log), silentRunner{})

	w := postChat(router, "user-1", chatRequest(""))

	if !strings.Contains(w.Body.String(), `"kind":"upstream_error"`) {
		t.Errorf("expected a closing error frame, got %q", w.Body.String())
	}
}
