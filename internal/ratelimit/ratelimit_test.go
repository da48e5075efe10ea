package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/enchanted-research/internal/auth"
	"github.com/eternisai/enchanted-research/internal/errors"
	"github.com/eternisai/enchanted-research/internal/logger"
)

func TestAllowPerCaller(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(60, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("a") {
		t.Fatal("third request within the same instant should be rejected")
	}
	if !l.Allow("b") {
		t.Fatal("buckets must be per caller")
	}

	ok, retryAt := l.Reserve("a")
	if ok {
		t.Fatal("expected rejection")
	}
	if want := now.Add(time.Second); !retryAt.Equal(want) {
		t.Errorf("retryAt = %v, want %v", retryAt, want)
	}

	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Error("one token should refill after a second at 60/min")
	}
}

func TestCleanup(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	l := New(60, 1)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(10 * time.Minute)
	l.Allow("fresh")

	if removed := l.Cleanup(5 * time.Minute); removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if l.Size() != 1 {
		t.Fatalf("size = %d, want 1", l.Size())
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	l := New(60, 1)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if user := c.GetHeader("X-Test-User"); user != "" {
			auth.SetUserID(c, user)
		}
		c.Next()
	})
	r.Use(Middleware(l, logger.Discard()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if user != "" {
			req.Header.Set("X-Test-User", user)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("u1"); w.Code != http.StatusNoContent {
		t.Fatalf("first request: status %d", w.Code)
	}

	w := do("u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	var body errors.RateLimitError
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.RateLimitType != "requests" || body.Burst != 1 {
		t.Errorf("unexpected body %+v", body)
	}

	for i := 0; i < 3; i++ {
		if w := do(""); w.Code != http.StatusNoContent {
			t.Fatalf("anonymous request %d: status %d", i, w.Code)
		}
	}
}
