package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the bucket a request draws from.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP keys authenticated or self-identified callers by user and
// anonymous ones by client IP.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != AnonymousUser {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// CostFunc returns how many tokens a request takes; 0 exempts it.
type CostFunc func(*gin.Context) int

// ProviderCost charges n tokens for routes that reach the model provider
// (sends, edits and regenerations), exempts live event subscriptions, which
// hold one connection for a long time, and charges 1 otherwise.
func ProviderCost(n int) CostFunc {
	return func(c *gin.Context) int {
		route := c.FullPath()
		switch {
		case c.Request.Method == http.MethodGet && strings.HasSuffix(route, "/events"):
			return 0
		case c.Request.Method == http.MethodPost && strings.HasSuffix(route, "/threads/:id/messages"),
			c.Request.Method == http.MethodPut && strings.HasSuffix(route, "/threads/:id/messages/:messageId"),
			c.Request.Method == http.MethodPost && strings.HasSuffix(route, "/regenerate"):
			return n
		}
		return 1
	}
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key. Idle buckets are dropped on a
// sweep that runs every sweepEvery lookups. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	key   KeyFunc
	cost  CostFunc

	mu         sync.Mutex
	buckets    map[string]*bucket
	idleTTL    time.Duration
	lookups    int
	sweepEvery int
}

// NewRateLimiter refills rps tokens per second into buckets of burst tokens
// (at least 1). Every request costs one token unless WithCost says
// otherwise.
func NewRateLimiter(rps float64, burst int, key KeyFunc) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		key:        key,
		cost:       func(*gin.Context) int { return 1 },
		buckets:    make(map[string]*bucket),
		idleTTL:    10 * time.Minute,
		sweepEvery: 5000,
	}
}

// WithCost sets the per-request cost. Costs above the burst are capped at
// the burst so that expensive requests remain possible.
func (rl *RateLimiter) WithCost(cost CostFunc) *RateLimiter {
	rl.cost = cost
	return rl
}

func (rl *RateLimiter) limiter(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Sweep first so a stale bucket is replaced, not refreshed.
	if rl.lookups++; rl.lookups >= rl.sweepEvery {
		rl.lookups = 0
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) >= rl.idleTTL {
				delete(rl.buckets, k)
			}
		}
	}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim
}

// IsRateBypass reports whether IdempotencyValidator found a stored reply
// for this request; replays are served without spending tokens.
func IsRateBypass(c *gin.Context) bool { return c.GetBool(ctxKeyRateBypass) }

// Handler enforces the limits. A rejected request gets 429 with
// Retry-After set to the whole seconds until enough tokens have refilled.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n := rl.cost(c)
		if n <= 0 || IsRateBypass(c) {
			c.Next()
			return
		}
		if n > rl.burst {
			n = rl.burst
		}

		now := time.Now()
		res := rl.limiter(rl.key(c), now).ReserveN(now, n)
		delay := res.DelayFrom(now)
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.CancelAt(now)

		retry := 1
		if res.OK() {
			retry = int(math.Ceil(delay.Seconds()))
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": RequestIDFrom(c),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
