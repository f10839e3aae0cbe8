// Package middleware contains the Gin middleware shared by every route of
// the conversation API: caller identity, request correlation and access
// logging, panic recovery, Prometheus instrumentation, idempotent sends, rate
// limiting and security headers.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderUserID names the caller when no authenticator runs in front.
	HeaderUserID = "X-User-ID"
	// AnonymousUser owns the threads of callers without an identity.
	AnonymousUser = "demo-user"

	ctxKeyUser = "userID"
)

// Identity resolves the caller once so that logging, rate limiting,
// idempotency and handlers agree on it. A value stored under "userID" by an
// upstream authenticator wins over the header.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxKeyUser, UserID(c))
		c.Next()
	}
}

// UserID returns the caller: the authenticated user, the trimmed
// X-User-ID header, or AnonymousUser.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyUser); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader(HeaderUserID)); h != "" {
			return h
		}
	}
	return AnonymousUser
}
