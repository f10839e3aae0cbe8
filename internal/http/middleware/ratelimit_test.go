package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func limitedEngine(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Identity(), rl.Handler())
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/threads", ok)
	r.POST("/threads/:id/messages", ok)
	r.POST("/threads/:id/messages/:messageId/regenerate", ok)
	r.GET("/threads/:id/events", ok)
	return r
}

func hit(r *gin.Engine, method, path, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "203.0.113.9:1234"
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestKeyByUserOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "203.0.113.9:1234"

	if got := KeyByUserOrIP()(c); got != "ip:203.0.113.9" {
		t.Fatalf("anonymous key = %q", got)
	}
	c.Request.Header.Set(HeaderUserID, "u1")
	if got := KeyByUserOrIP()(c); got != "user:u1" {
		t.Fatalf("user key = %q", got)
	}
}

func TestRateLimiter_PerUserBuckets(t *testing.T) {
	r := limitedEngine(NewRateLimiter(0.001, 2, KeyByUserOrIP()))

	for i := 0; i < 2; i++ {
		if w := hit(r, http.MethodGet, "/threads", "u1"); w.Code != http.StatusNoContent {
			t.Fatalf("request %d: status=%d", i, w.Code)
		}
	}
	w := hit(r, http.MethodGet, "/threads", "u1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("third request: status=%d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["code"] != "too_many_requests" || body["request_id"] == "" {
		t.Fatalf("body = %v", body)
	}
	// 1 token at 0.001/s takes 1000s.
	if ra := w.Header().Get("Retry-After"); ra != "1000" {
		t.Fatalf("Retry-After = %q", ra)
	}

	if w := hit(r, http.MethodGet, "/threads", "u2"); w.Code != http.StatusNoContent {
		t.Fatalf("other user throttled: status=%d", w.Code)
	}
}

func TestRateLimiter_ProviderCost(t *testing.T) {
	r := limitedEngine(NewRateLimiter(0.001, 4, KeyByUserOrIP()).WithCost(ProviderCost(3)))

	if w := hit(r, http.MethodPost, "/threads/t1/messages", "u1"); w.Code != http.StatusNoContent {
		t.Fatalf("send: status=%d", w.Code)
	}
	// One token left: a regeneration (3) is refused, a read (1) is not.
	if w := hit(r, http.MethodPost, "/threads/t1/messages/m1/regenerate", "u1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("regenerate: status=%d", w.Code)
	}
	if w := hit(r, http.MethodGet, "/threads", "u1"); w.Code != http.StatusNoContent {
		t.Fatalf("read after refused regenerate: status=%d", w.Code)
	}
	// Subscriptions are free.
	for i := 0; i < 5; i++ {
		if w := hit(r, http.MethodGet, "/threads/t1/events", "u1"); w.Code != http.StatusNoContent {
			t.Fatalf("events %d: status=%d", i, w.Code)
		}
	}
}

func TestRateLimiter_CostCappedAtBurst(t *testing.T) {
	r := limitedEngine(NewRateLimiter(0.001, 2, KeyByUserOrIP()).WithCost(ProviderCost(10)))
	if w := hit(r, http.MethodPost, "/threads/t1/messages", "u1"); w.Code != http.StatusNoContent {
		t.Fatalf("send larger than burst: status=%d", w.Code)
	}
}

func TestRateLimiter_ReplayBypass(t *testing.T) {
	rl := NewRateLimiter(0.001, 1, KeyByUserOrIP())
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("X-Replay") != "" {
			c.Set(ctxKeyRateBypass, true)
		}
		c.Next()
	}, rl.Handler())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(replay bool) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		if replay {
			req.Header.Set("X-Replay", "1")
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}
	if got := do(false); got != http.StatusNoContent {
		t.Fatalf("first: %d", got)
	}
	if got := do(false); got != http.StatusTooManyRequests {
		t.Fatalf("second: %d", got)
	}
	if got := do(true); got != http.StatusNoContent {
		t.Fatalf("replay: %d", got)
	}
}

func TestRateLimiter_SweepsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 1, KeyByUserOrIP())
	rl.idleTTL = time.Minute
	rl.sweepEvery = 2
	now := time.Now()

	old := rl.limiter("old", now.Add(-time.Hour))
	if again := rl.limiter("fresh", now); again == old {
		t.Fatalf("distinct keys share a bucket")
	}
	rl.mu.Lock()
	_, hasOld := rl.buckets["old"]
	_, hasFresh := rl.buckets["fresh"]
	rl.mu.Unlock()
	if hasOld || !hasFresh {
		t.Fatalf("old=%v fresh=%v", hasOld, hasFresh)
	}
	if rl.limiter("fresh", now) != rl.limiter("fresh", now) {
		t.Fatalf("bucket not reused")
	}
}
