// Package config loads the service configuration from environment
// variables. Every key has a default; a malformed or out-of-range value is
// an error, and Load reports all of them at once.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig lists the browser origins allowed to call the API. Empty
// allows any origin without credentials.
type CORSConfig struct {
	AllowedOrigins []string // CORS_ALLOWED_ORIGINS, comma separated
}

// SecurityConfig controls Strict-Transport-Security.
type SecurityConfig struct {
	EnableHSTS bool          // ENABLE_HSTS
	HSTSMaxAge time.Duration // HSTS_MAX_AGE
}

// OTELConfig controls trace export.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT, host:port
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0,1]
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	APIKey       string // OPENAI_API_KEY; empty selects the local echo provider unless required
	BaseURL      string // OPENAI_BASE_URL (OpenAI-compatible endpoint)
	DefaultModel string // DEFAULT_MODEL
	RequireKey   bool   // REQUIRE_API_KEY: reject sends without any credential
}

// AttachmentConfig bounds uploads and previews.
type AttachmentConfig struct {
	MaxBytes        int64         // MAX_ATTACHMENT_BYTES
	PreviewMinBytes int64         // PREVIEW_MIN_BYTES: smaller images are not downscaled
	PreviewMaxDim   int           // PREVIEW_MAX_DIM
	OrphanGrace     time.Duration // ORPHAN_GRACE: age after which unbound uploads are swept
	SweepInterval   time.Duration // ORPHAN_SWEEP_INTERVAL; 0 disables the sweeper
}

// Config is the complete service configuration.
type Config struct {
	Port              string        // PORT
	ReadTimeout       time.Duration // READ_TIMEOUT
	ReadHeaderTimeout time.Duration // READ_HEADER_TIMEOUT
	WriteTimeout      time.Duration // WRITE_TIMEOUT; bounds a whole streamed reply
	IdleTimeout       time.Duration // IDLE_TIMEOUT
	MaxHeaderBytes    int           // MAX_HEADER_BYTES
	GinMode           string        // GIN_MODE: debug, release or test

	LogLevel       string // LOG_LEVEL: trace, debug, info, warn, error, fatal or panic
	LogPretty      bool   // LOG_PRETTY
	SwaggerEnabled bool   // SWAGGER_ENABLED
	APIBasePath    string // API_BASE_PATH

	DBPath         string        // DB_PATH
	DraftDir       string        // DRAFT_DIR: pebble directory of the draft cache
	PublicBaseURL  string        // PUBLIC_BASE_URL: prefix of resolved object URLs
	ThreadCacheTTL time.Duration // THREAD_CACHE_TTL; 0 disables the list cache

	LLM            LLMConfig
	FlushInterval  time.Duration // STREAM_FLUSH_INTERVAL
	MaxPromptRunes int           // MAX_PROMPT_RUNES; 0 means unlimited
	Attachments    AttachmentConfig

	RateRPS   float64 // RATE_RPS: token refill per second and caller
	RateBurst int     // RATE_BURST

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration // IDEMPOTENCY_TTL: lifetime of a replay key

	OTEL OTELConfig
}

// Error lists every invalid setting found by Load.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Load reads the environment. The returned Config carries defaults for the
// invalid keys, so callers may still inspect it when err is non-nil.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Port:              e.str("PORT", "8080"),
		ReadTimeout:       e.dur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.dur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.dur("WRITE_TIMEOUT", 5*time.Minute),
		IdleTimeout:       e.dur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    e.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(e.str("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogPretty:      e.flag("LOG_PRETTY", false),
		SwaggerEnabled: e.flag("SWAGGER_ENABLED", false),
		APIBasePath:    basePath(e.str("API_BASE_PATH", "/api/v1")),

		DBPath:         e.str("DB_PATH", "app.db"),
		DraftDir:       e.str("DRAFT_DIR", "drafts"),
		PublicBaseURL:  strings.TrimRight(e.str("PUBLIC_BASE_URL", "http://localhost:8080/api/v1"), "/"),
		ThreadCacheTTL: e.dur("THREAD_CACHE_TTL", 10*time.Minute),

		LLM: LLMConfig{
			APIKey:       e.str("OPENAI_API_KEY", ""),
			BaseURL:      e.str("OPENAI_BASE_URL", ""),
			DefaultModel: e.str("DEFAULT_MODEL", "gpt-4o-mini"),
			RequireKey:   e.flag("REQUIRE_API_KEY", false),
		},
		FlushInterval:  e.dur("STREAM_FLUSH_INTERVAL", 16*time.Millisecond),
		MaxPromptRunes: e.integer("MAX_PROMPT_RUNES", 0),
		Attachments: AttachmentConfig{
			MaxBytes:        e.int64("MAX_ATTACHMENT_BYTES", 30<<20),
			PreviewMinBytes: e.int64("PREVIEW_MIN_BYTES", 200<<10),
			PreviewMaxDim:   e.integer("PREVIEW_MAX_DIM", 800),
			OrphanGrace:     e.dur("ORPHAN_GRACE", time.Hour),
			SweepInterval:   e.dur("ORPHAN_SWEEP_INTERVAL", 10*time.Minute),
		},

		RateRPS:   e.float("RATE_RPS", 5),
		RateBurst: e.integer("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS")},
		Security: SecurityConfig{
			EnableHSTS: e.flag("ENABLE_HSTS", false),
			HSTSMaxAge: e.dur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: e.dur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     e.flag("OTEL_ENABLED", false),
			Endpoint:    e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.flag("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "go-chat-sync"),
			SampleRatio: e.float("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	cfg.validate(&e)
	if len(e.problems) > 0 {
		return cfg, &Error{Problems: e.problems}
	}
	return cfg, nil
}

func (c *Config) validate(e *env) {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		e.failf("LOG_LEVEL %q is not a log level", c.LogLevel)
	}
	e.check(strings.TrimSpace(c.Port) != "", "PORT must not be blank")
	e.check(c.ReadTimeout > 0 && c.ReadHeaderTimeout > 0 && c.WriteTimeout > 0 && c.IdleTimeout > 0,
		"server timeouts must be positive")
	e.check(c.MaxHeaderBytes > 0, "MAX_HEADER_BYTES must be positive")

	e.check(strings.TrimSpace(c.DBPath) != "", "DB_PATH must not be blank")
	e.check(strings.TrimSpace(c.DraftDir) != "", "DRAFT_DIR must not be blank")
	e.check(c.ThreadCacheTTL >= 0, "THREAD_CACHE_TTL must not be negative")

	e.check(strings.TrimSpace(c.LLM.DefaultModel) != "", "DEFAULT_MODEL must not be blank")
	e.check(c.FlushInterval > 0, "STREAM_FLUSH_INTERVAL must be positive")
	e.check(c.MaxPromptRunes >= 0, "MAX_PROMPT_RUNES must not be negative")

	a := c.Attachments
	e.check(a.MaxBytes > 0, "MAX_ATTACHMENT_BYTES must be positive")
	e.check(a.PreviewMinBytes > 0 && a.PreviewMaxDim > 0, "PREVIEW_MIN_BYTES and PREVIEW_MAX_DIM must be positive")
	e.check(a.OrphanGrace > 0, "ORPHAN_GRACE must be positive")
	e.check(a.SweepInterval >= 0, "ORPHAN_SWEEP_INTERVAL must not be negative")

	e.check(c.RateRPS >= 0, "RATE_RPS must not be negative")
	e.check(c.RateBurst >= 1, "RATE_BURST must be at least 1")
	e.check(c.Security.HSTSMaxAge >= 0, "HSTS_MAX_AGE must not be negative")
	e.check(c.IdempotencyTTL > 0, "IDEMPOTENCY_TTL must be positive")
	e.check(c.OTEL.SampleRatio >= 0 && c.OTEL.SampleRatio <= 1, "OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
}

// env reads typed variables and collects the problems it finds. Unset or
// empty variables take the default.
type env struct {
	problems []string
}

func (e *env) failf(format string, args ...any) {
	e.problems = append(e.problems, fmt.Sprintf(format, args...))
}

func (e *env) check(ok bool, msg string) {
	if !ok {
		e.problems = append(e.problems, msg)
	}
}

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) str(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

// parsed applies parse to k, recording a problem and returning def when it
// fails.
func parsed[T any](e *env, k string, def T, kind string, parse func(string) (T, error)) T {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	out, err := parse(v)
	if err != nil {
		e.failf("%s: %q is not a valid %s", k, v, kind)
		return def
	}
	return out
}

func (e *env) dur(k string, def time.Duration) time.Duration {
	return parsed(e, k, def, "duration", time.ParseDuration)
}

func (e *env) integer(k string, def int) int {
	return parsed(e, k, def, "integer", strconv.Atoi)
}

func (e *env) int64(k string, def int64) int64 {
	return parsed(e, k, def, "integer", func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func (e *env) float(k string, def float64) float64 {
	return parsed(e, k, def, "number", func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

func (e *env) flag(k string, def bool) bool {
	return parsed(e, k, def, "boolean", func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "1", "true", "yes", "y", "on":
			return true, nil
		case "0", "false", "no", "n", "off":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

// list splits a comma separated variable, dropping blank entries.
func (e *env) list(k string) []string {
	v, ok := e.lookup(k)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// basePath returns p with a leading slash and no trailing one; blank is "/".
func basePath(p string) string {
	p = "/" + strings.Trim(strings.TrimSpace(p), "/")
	return p
}
