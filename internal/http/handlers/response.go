// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the response helpers every endpoint shares: the error
// envelope, JSON success writers, weak ETag revalidation for list views, and
// the server-sent event writer used by streamed replies and migrations.
//
// Every error body has the same shape:
//
//	HTTP/1.1 409 Conflict
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "conflict",
//	  "message": "regeneration already in progress"
//	}
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/http/middleware"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message
	Message string `json:"message" example:"thread not found"`
}

func errorBody(c *gin.Context, code, msg string) ErrorResponse {
	return ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      code,
		Message:   msg,
	}
}

// fail aborts with an error envelope. Server-side failures are logged on the
// request logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, errorBody(c, code, msg))
}

// Fail is fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

func ok(c *gin.Context, status int, body any) { c.JSON(status, body) }

func noContent(c *gin.Context) { c.Status(http.StatusNoContent) }

// notModified sets a weak ETag built from parts and reports whether the
// request's If-None-Match already names it, in which case a 304 has been
// written.
func notModified(c *gin.Context, kind string, parts ...any) bool {
	var b strings.Builder
	b.WriteString(`W/"`)
	b.WriteString(kind)
	for _, p := range parts {
		fmt.Fprintf(&b, ":%v", p)
	}
	b.WriteByte('"')
	etag := b.String()
	c.Header("ETag", etag)

	for _, cand := range strings.Split(c.GetHeader("If-None-Match"), ",") {
		if cand = strings.TrimSpace(cand); cand == etag || cand == "*" {
			c.Status(http.StatusNotModified)
			return true
		}
	}
	return false
}

// sseReply streams flushes of one reply to the client. Headers are only
// committed on the first event, so errors raised before any output still
// produce a regular JSON error.
type sseReply struct {
	c       *gin.Context
	started bool
}

func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func (s *sseReply) start() {
	if s.started {
		return
	}
	s.started = true
	h := s.c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.c.Status(http.StatusOK)
}

func (s *sseReply) event(name string, data any) {
	s.start()
	s.c.SSEvent(name, data)
	s.c.Writer.Flush()
}

func (s *sseReply) onFlush(content string) { s.event("delta", DeltaEvent{Content: content}) }

// finish ends the stream with "done" or "error". Without prior output an
// error is returned as a regular JSON envelope.
func (s *sseReply) finish(result any, err error) {
	if err == nil {
		s.event("done", result)
		return
	}
	status, code := statusFor(err)
	if !s.started {
		fail(s.c, status, code, err.Error())
		return
	}
	middleware.LoggerFrom(s.c).Warn().Err(err).Int("status", status).Msg("stream ended with error")
	s.event("error", errorBody(s.c, code, err.Error()))
}
