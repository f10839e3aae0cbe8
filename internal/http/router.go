// Package httpapi mounts the conversation API on a Gin engine: the shared
// middleware chain, operational endpoints (/health, /metrics, /swagger) and
// the routes under the configured base path.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/go-chat-sync/docs"
	"github.com/tbourn/go-chat-sync/internal/app"
	"github.com/tbourn/go-chat-sync/internal/config"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/handlers"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/repo"
)

const (
	// jsonBodyLimit caps every request body except uploads.
	jsonBodyLimit = 1 << 20
	// providerCost is the rate-limit weight of a request that calls the
	// model provider.
	providerCost = 5
)

// idempotencyStore keeps replay keys in the database for
// handlers.IdempotencyStore.
type idempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// Lookup returns the recorded assistant message, or nil if the key is
// unknown, expired, or its message was since removed.
func (s idempotencyStore) Lookup(ctx context.Context, userID, threadID, key string) (*domain.Message, error) {
	rk, err := repo.FindReplayKey(ctx, s.db, userID, threadID, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := repo.GetMessage(s.db.WithContext(ctx), rk.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// Record stores the key; a concurrent duplicate is not an error.
func (s idempotencyStore) Record(ctx context.Context, userID, threadID, key, messageID string) error {
	_, err := repo.SaveReplayKey(ctx, s.db, userID, threadID, key, messageID, s.ttl)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil
	}
	return err
}

// RegisterRoutes mounts middleware, operational endpoints and the versioned
// API on r.
//
// Middleware order:
//  1. tracing
//  2. request ID, then caller identity
//  3. access log with redaction, then panic recovery
//  4. metrics
//  5. idempotency (before the limiter, so replays skip it)
//  6. rate limiting, weighted by provider cost
//  7. CORS and security headers
//  8. compression, never for event streams
//
// Uploads accept one attachment plus form overhead; every other body is
// capped at 1 MiB.
func RegisterRoutes(r *gin.Engine, a *app.App, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID(), middleware.Identity())
	r.Use(middleware.AccessLog(middleware.RedactOptions{
		MaskHeaders: []string{handlers.HeaderAPIKey},
		MaskParams:  []string{"q"},
	}))
	r.Use(middleware.Recovery())

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idem := idempotencyStore{db: a.DB, ttl: cfg.IdempotencyTTL}
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, userID, threadID, key string, _ time.Time) (bool, error) {
			m, err := idem.Lookup(ctx, userID, threadID, key)
			return m != nil, err
		},
	))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP()).
		WithCost(middleware.ProviderCost(providerCost))
	r.Use(rl.Handler())

	r.Use(corsPolicy(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		CacheControl: "private, no-cache",
		EnablePolicy: true,
	}))
	r.Use(compress())

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API docs
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	uploadLimit := cfg.Attachments.MaxBytes + jsonBodyLimit
	deps := handlers.Deps{
		Threads:        a.Threads,
		Conversation:   a.Conversation,
		Files:          a.Attachments,
		Migrator:       a.Migrator,
		Idempotency:    idem,
		MaxPromptRunes: cfg.MaxPromptRunes,
		MaxUploadBytes: uploadLimit,
	}
	// A nil *events.Hub must not become a non-nil EventSource.
	if a.Hub != nil {
		deps.Events = a.Hub
	}
	h := handlers.New(deps)

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"

	std := api.Group("", limitBody(jsonBodyLimit))
	{
		// Threads
		std.POST("/threads", h.CreateThread)
		std.GET("/threads", h.ListThreads)
		std.GET("/search", h.SearchThreads)
		std.GET("/threads/:id", h.GetThread)
		std.PATCH("/threads/:id", h.UpdateThread)
		std.DELETE("/threads/:id", h.DeleteThread)
		std.POST("/threads/:id/clone", h.CloneThread)

		// Messages
		std.GET("/threads/:id/messages", h.ListMessages)
		std.POST("/threads/:id/messages", h.SendMessage)
		std.PUT("/threads/:id/messages/:messageId", h.EditMessage)
		std.DELETE("/threads/:id/messages/:messageId", h.DeleteAfter)
		std.POST("/threads/:id/cancel", h.CancelStream)

		// Versions
		std.POST("/threads/:id/messages/:messageId/regenerate", h.Regenerate)
		std.GET("/threads/:id/versions", h.ListVersions)
		std.PUT("/threads/:id/versions/active", h.SwitchVersion)

		// Attachments
		std.GET("/threads/:id/attachments", h.ListAttachments)
		std.POST("/threads/:id/attachments/associate", h.AssociateAttachments)
		std.GET("/files/:ref", h.GetFile)

		// Drafts
		std.GET("/threads/:id/draft", h.GetDraft)
		std.PUT("/threads/:id/draft", h.PutDraft)
		std.DELETE("/threads/:id/draft", h.DeleteDraft)

		// Live events
		std.GET("/threads/:id/events", h.StreamEvents)
	}

	uploads := api.Group("", limitBody(uploadLimit))
	{
		uploads.POST("/threads/:id/attachments", h.UploadAttachments)
		uploads.POST("/migrate", h.MigrateLegacy)
	}
}

// corsPolicy allows the listed origins, or any origin without credentials
// when none are configured.
func corsPolicy(origins []string) gin.HandlerFunc {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match",
			middleware.HeaderUserID, handlers.HeaderAPIKey, middleware.HeaderIdempotencyKey,
		},
		ExposeHeaders: []string{"X-Request-ID", "Content-Length", "ETag", "Retry-After", "Idempotency-Replayed"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = origins
	}
	return cors.New(cc)
}

// compress gzips responses except server-sent event streams, which must
// reach the client unbuffered, and stored files, which are mostly
// compressed already.
func compress() gin.HandlerFunc {
	gz := gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{
		`/events$`,
		`/files/`,
	}))
	return func(c *gin.Context) {
		if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
			c.Next()
			return
		}
		gz(c)
	}
}

// limitBody returns a Gin middleware that caps the request body size to
// maxBytes using http.MaxBytesReader. Requests exceeding the cap will cause
// downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
