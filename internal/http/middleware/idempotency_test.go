package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type lookupCall struct {
	user, thread, key string
}

func idemEngine(opts IdempotencyOptions, lookup IdempotencyLookup, seen func(c *gin.Context)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Identity(), IdempotencyValidator(opts, lookup))
	h := func(c *gin.Context) {
		if seen != nil {
			seen(c)
		}
		c.Status(http.StatusNoContent)
	}
	r.POST("/threads/:id/messages", h)
	r.PUT("/threads/:id/messages/:messageId", h)
	r.POST("/threads", h)
	return r
}

func send(r *gin.Engine, method, path, key, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIdempotencyValidator_RejectsMalformedKeys(t *testing.T) {
	cases := map[string]struct {
		opts IdempotencyOptions
		key  string
	}{
		"too long":        {IdempotencyOptions{MaxLen: 5}, "abcdef"},
		"default pattern": {IdempotencyOptions{}, "has space"},
		"custom pattern":  {IdempotencyOptions{Pattern: regexp.MustCompile(`^[0-9]+$`)}, "abc123"},
		"default length":  {IdempotencyOptions{}, strings.Repeat("k", 201)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := idemEngine(tc.opts, nil, func(*gin.Context) { t.Fatal("handler reached") })
			w := send(r, http.MethodPost, "/threads/t1/messages", tc.key, "")
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d", w.Code)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("json: %v", err)
			}
			if body["code"] != "bad_idempotency_key" || body["request_id"] == "" {
				t.Fatalf("body=%v", body)
			}
		})
	}
}

func TestIdempotencyValidator_StashesKey(t *testing.T) {
	var key string
	var ok, replay bool
	r := idemEngine(IdempotencyOptions{}, nil, func(c *gin.Context) {
		key, ok = GetIdempotencyKey(c)
		replay = IsReplay(c)
	})
	if w := send(r, http.MethodPost, "/threads/t1/messages", "abc-123", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if !ok || key != "abc-123" || replay {
		t.Fatalf("key=%q ok=%v replay=%v", key, ok, replay)
	}

	send(r, http.MethodPost, "/threads/t1/messages", "", "")
	if ok {
		t.Fatalf("key reported without header")
	}
}

func TestIdempotencyValidator_Lookup(t *testing.T) {
	var calls []lookupCall
	lookup := func(_ context.Context, user, thread, key string, now time.Time) (bool, error) {
		if now.IsZero() {
			t.Fatalf("zero time")
		}
		calls = append(calls, lookupCall{user, thread, key})
		return key == "known", nil
	}
	var replay, bypass bool
	r := idemEngine(IdempotencyOptions{}, lookup, func(c *gin.Context) {
		replay, bypass = IsReplay(c), IsRateBypass(c)
	})

	send(r, http.MethodPost, "/threads/t1/messages", "fresh", "")
	if replay || bypass {
		t.Fatalf("miss marked as replay")
	}
	send(r, http.MethodPost, "/threads/t2/messages", "known", "u9")
	if !replay || !bypass {
		t.Fatalf("hit not marked: replay=%v bypass=%v", replay, bypass)
	}
	want := []lookupCall{{AnonymousUser, "t1", "fresh"}, {"u9", "t2", "known"}}
	if len(calls) != 2 || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls=%v", calls)
	}

	// Only thread-scoped POSTs are looked up.
	send(r, http.MethodPut, "/threads/t1/messages/m1", "known", "")
	send(r, http.MethodPost, "/threads", "known", "")
	if len(calls) != 2 {
		t.Fatalf("unexpected lookups: %v", calls)
	}
}

func TestIdempotencyValidator_LookupErrorIsMiss(t *testing.T) {
	lookup := func(context.Context, string, string, string, time.Time) (bool, error) {
		return false, errors.New("db down")
	}
	var replay bool
	r := idemEngine(IdempotencyOptions{}, lookup, func(c *gin.Context) { replay = IsReplay(c) })
	if w := send(r, http.MethodPost, "/threads/t1/messages", "k1", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	if replay {
		t.Fatalf("lookup error treated as replay")
	}
}
